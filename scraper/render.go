package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/harvester/engine"
	"github.com/use-agent/harvester/fingerprint"
	"github.com/use-agent/harvester/models"
)

// Render drives one browser attempt. It matches engine.RenderFunc and never
// returns nil; failures are reported on the outcome for classification.
//
// Lifecycle:
//
//  1. Acquire a page slot
//  2. Fresh browser context (isolated cookies/storage, per-attempt proxy)
//  3. Identity: CDP emulation + injected scripts, before navigation
//  4. Headers, cookies, resource blocking
//  5. Navigate and wait
//  6. Scenario, identity readback, capture
func (s *Scraper) Render(ctx context.Context, req *engine.Request) *models.EngineOutcome {
	start := time.Now()
	out := &models.EngineOutcome{}
	defer out.Elapsed(start)

	// ── 1. Slot ─────────────────────────────────────────────────────
	if err := s.slots.Acquire(ctx, 1); err != nil {
		fail(out, err)
		return out
	}
	defer s.slots.Release(1)
	s.active.Add(1)
	defer s.active.Add(-1)

	// ── 2. Browser context ──────────────────────────────────────────
	bctx, err := proto.TargetCreateBrowserContext{
		DisposeOnDetach: true,
		ProxyServer:     req.ProxyURL,
	}.Call(s.browser)
	if err != nil {
		fail(out, fmt.Errorf("create browser context: %w", err))
		return out
	}
	defer func() {
		if err := (proto.TargetDisposeBrowserContext{BrowserContextID: bctx.BrowserContextID}).Call(s.browser); err != nil {
			slog.Warn("dispose browser context failed", "job_id", req.JobID, "error", err)
		}
	}()

	page, err := s.browser.Page(proto.TargetCreateTarget{URL: "about:blank", BrowserContextID: bctx.BrowserContextID})
	if err != nil {
		fail(out, fmt.Errorf("create page: %w", err))
		return out
	}
	defer func() { _ = page.Close() }()

	// ── 3. Identity ─────────────────────────────────────────────────
	if err := applyIdentity(page, req.Fingerprint, req.Stealth); err != nil {
		fail(out, err)
		return out
	}

	// ── 4. Headers, cookies, blocking ───────────────────────────────
	if err := setHeaders(page, req); err != nil {
		fail(out, err)
		return out
	}
	if err := setCookies(page, req.URL, req.Options.Cookies); err != nil {
		fail(out, err)
		return out
	}
	blocked := req.Options.BlockResources
	if blocked == nil {
		blocked = s.cfg.BlockedResourceTypes
	}
	if router := setupHijack(page, blocked, req.Stealth); router != nil {
		defer func() { _ = router.Stop() }()
	}

	p := page.Context(ctx)

	// ── 5. Navigate ─────────────────────────────────────────────────
	navStart := time.Now()
	if err := p.Navigate(req.URL); err != nil {
		fail(out, err)
		return out
	}
	if err := s.wait(ctx, p, req.Options); err != nil {
		fail(out, err)
		return out
	}
	out.Timing.NavigationMs = time.Since(navStart).Milliseconds()
	out.StatusCode = navigationStatus(p)

	// ── 6. Scenario ─────────────────────────────────────────────────
	if len(req.Options.Scenario) > 0 {
		scStart := time.Now()
		res, err := runScenario(ctx, page, req.Options.Scenario)
		out.Timing.ScenarioMs = time.Since(scStart).Milliseconds()
		if err != nil {
			fail(out, err)
			return out
		}
		out.Screenshot = res.screenshot
	}

	if req.Fingerprint != nil {
		out.FingerprintMismatches = readIdentity(p, req.Fingerprint)
	}

	if err := capture(p, req, out); err != nil {
		fail(out, err)
	}
	return out
}

// applyIdentity makes the page present fp on both the protocol and the
// JavaScript surfaces. Scripts registered here run before any page script.
func applyIdentity(page *rod.Page, fp *models.Fingerprint, useStealth bool) error {
	if useStealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			return fmt.Errorf("inject stealth: %w", err)
		}
	}
	if fp == nil {
		return nil
	}

	bc := fingerprint.ContextOptions(fp)
	if err := (proto.NetworkSetUserAgentOverride{
		UserAgent:      bc.UserAgent,
		AcceptLanguage: bc.AcceptLanguage,
		Platform:       bc.Platform,
	}).Call(page); err != nil {
		return fmt.Errorf("override user agent: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             bc.ViewportWidth,
		Height:            bc.ViewportHeight,
		DeviceScaleFactor: bc.PixelRatio,
		Mobile:            bc.Mobile,
		ScreenWidth:       &bc.ScreenWidth,
		ScreenHeight:      &bc.ScreenHeight,
	}).Call(page); err != nil {
		return fmt.Errorf("override device metrics: %w", err)
	}
	if bc.Mobile {
		if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: true, MaxTouchPoints: &bc.TouchPoints}).Call(page); err != nil {
			return fmt.Errorf("enable touch: %w", err)
		}
	}
	if err := (proto.EmulationSetTimezoneOverride{TimezoneID: bc.Timezone}).Call(page); err != nil {
		return fmt.Errorf("override timezone: %w", err)
	}
	if err := (proto.EmulationSetLocaleOverride{Locale: bc.Locale}).Call(page); err != nil {
		// Chromium refuses a second override in one context; the script still covers Intl.
		slog.Debug("locale override rejected", "locale", bc.Locale, "error", err)
	}

	js, err := fingerprint.Script(fp)
	if err != nil {
		return err
	}
	if _, err := page.EvalOnNewDocument(js); err != nil {
		return fmt.Errorf("inject fingerprint: %w", err)
	}
	return nil
}

// setHeaders sends the fingerprint's client hints plus the caller's headers.
// User-Agent is owned by the override above.
func setHeaders(page *rod.Page, req *engine.Request) error {
	h := make(map[string]string)
	if req.Fingerprint != nil {
		for k, v := range req.Fingerprint.Headers {
			h[k] = v
		}
	}
	if _, ok := req.Headers["Referer"]; !ok {
		if u, err := url.Parse(req.URL); err == nil && u.Hostname() != "" {
			h["Referer"] = "https://www.google.com/search?q=" + url.QueryEscape(u.Hostname())
		}
	}
	for k, v := range req.Headers {
		h[k] = v
	}
	for k := range h {
		if strings.EqualFold(k, "User-Agent") {
			delete(h, k)
		}
	}
	if len(h) == 0 {
		return nil
	}
	return proto.NetworkSetExtraHTTPHeaders{Headers: toHeadersMap(h)}.Call(page)
}

func setCookies(page *rod.Page, target string, cookies []models.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
			Expires:  proto.TimeSinceEpoch(c.Expires),
		}
		if param.Domain == "" {
			param.URL = target
		}
		if param.Path == "" {
			param.Path = "/"
		}
		params = append(params, param)
	}
	if err := page.SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// wait applies the job's wait strategy. A missing wait_for selector is a
// failure; an unsettled DOM is not.
func (s *Scraper) wait(ctx context.Context, p *rod.Page, opts models.Options) error {
	if opts.WaitFor != "" {
		if _, err := p.Element(opts.WaitFor); err != nil {
			return fmt.Errorf("wait_for %q: %w", opts.WaitFor, err)
		}
	} else if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
	}
	if opts.WaitMs > 0 {
		return sleep(ctx, time.Duration(opts.WaitMs)*time.Millisecond)
	}
	return nil
}

// navigationStatus reads the document's HTTP status without enabling CDP
// network events, which conflict with request hijacking.
func navigationStatus(p *rod.Page) int {
	res, err := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`)
	if err != nil {
		return 0
	}
	if status := res.Value.Int(); status > 0 {
		return status
	}
	// Older engines do not expose responseStatus; a rendered document is a 200.
	return 200
}

// readIdentity reads back the live identity and reports surfaces that disagree.
func readIdentity(p *rod.Page, fp *models.Fingerprint) []string {
	res, err := p.Eval(fingerprint.ReadbackScript)
	if err != nil {
		return []string{"identity readback: " + err.Error()}
	}
	var pr fingerprint.Readback
	if err := res.Value.Unmarshal(&pr); err != nil {
		return []string{"identity readback: " + err.Error()}
	}
	return fingerprint.Compare(fp, pr)
}

// capture fills the outcome with what the page ended up as.
func capture(p *rod.Page, req *engine.Request, out *models.EngineOutcome) error {
	html, err := p.HTML()
	if err != nil {
		return fmt.Errorf("read page html: %w", err)
	}
	out.Content = html
	out.ContentType = "text/html; charset=utf-8"
	out.Title = evalStringOrEmpty(p, `() => document.title`)
	out.FinalURL = evalStringOrEmpty(p, `() => window.location.href`)
	if out.FinalURL == "" {
		out.FinalURL = req.URL
	}

	if cookies, err := p.Cookies(nil); err == nil {
		for _, c := range cookies {
			out.Cookies = append(out.Cookies, models.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  float64(c.Expires),
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: string(c.SameSite),
			})
		}
	}

	opts := req.Options
	if opts.Screenshot && out.Screenshot == nil {
		shot := &proto.PageCaptureScreenshot{Format: screenshotFormat(opts.ScreenshotOptions.Format)}
		if q := opts.ScreenshotOptions.Quality; q > 0 && shot.Format != proto.PageCaptureScreenshotFormatPng {
			shot.Quality = &q
		}
		img, err := p.Screenshot(opts.ScreenshotOptions.FullPage, shot)
		if err != nil {
			return fmt.Errorf("screenshot: %w", err)
		}
		out.Screenshot = img
	}
	if opts.PDF {
		stream, err := p.PDF(&proto.PagePrintToPDF{PrintBackground: true})
		if err != nil {
			return fmt.Errorf("pdf: %w", err)
		}
		doc, err := io.ReadAll(stream)
		if err != nil {
			return fmt.Errorf("read pdf: %w", err)
		}
		out.PDF = doc
	}
	return nil
}

func screenshotFormat(f string) proto.PageCaptureScreenshotFormat {
	switch strings.ToLower(f) {
	case "jpeg", "jpg":
		return proto.PageCaptureScreenshotFormatJpeg
	case "webp":
		return proto.PageCaptureScreenshotFormatWebp
	}
	return proto.PageCaptureScreenshotFormatPng
}

// fail records err on the outcome with the transport kind it implies.
func fail(out *models.EngineOutcome, err error) {
	out.TransportError = err
	out.TransportErrorKind = transportKind(err)
}

// transportKind maps browser errors onto the classifier's transport kinds.
func transportKind(err error) models.TransportErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.TransportTimeout
	}
	var nav *rod.NavigationError
	if errors.As(err, &nav) {
		switch {
		case strings.Contains(nav.Reason, "TIMED_OUT"):
			return models.TransportTimeout
		case strings.Contains(nav.Reason, "ERR_NAME_"),
			strings.Contains(nav.Reason, "ERR_CONNECTION_"),
			strings.Contains(nav.Reason, "ERR_ADDRESS_"),
			strings.Contains(nav.Reason, "ERR_INTERNET_DISCONNECTED"),
			strings.Contains(nav.Reason, "ERR_PROXY_"),
			strings.Contains(nav.Reason, "ERR_TUNNEL_"):
			return models.TransportConnection
		}
	}
	return models.TransportOther
}

// evalStringOrEmpty evaluates a JS expression and returns the string result,
// swallowing any errors (useful for optional metadata extraction).
func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

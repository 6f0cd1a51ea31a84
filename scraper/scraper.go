package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"golang.org/x/sync/semaphore"

	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/models"
)

// Scraper owns the browser process. Every attempt renders in its own browser
// context so no cookies, storage or identity leak between jobs.
// It is safe for concurrent use.
type Scraper struct {
	browser   *rod.Browser
	cfg       config.BrowserConfig
	slots     *semaphore.Weighted
	active    atomic.Int32
	startTime time.Time
}

// Stats is a snapshot of browser usage.
type Stats struct {
	MaxPages    int `json:"max_pages"`
	ActivePages int `json:"active_pages"`
}

// NewScraper launches a headless browser.
func NewScraper(cfg config.BrowserConfig) (*Scraper, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}

	// ── Anti-automation flags ───────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeInternal, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeInternal, "failed to connect to browser", err)
	}

	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	slog.Info("browser ready", "maxPages", maxPages)

	return &Scraper{
		browser:   browser,
		cfg:       cfg,
		slots:     semaphore.NewWeighted(int64(maxPages)),
		startTime: time.Now(),
	}, nil
}

// Stats returns a snapshot of the scraper's current state.
func (s *Scraper) Stats() Stats {
	return Stats{
		MaxPages:    s.cfg.MaxPages,
		ActivePages: int(s.active.Load()),
	}
}

// Close kills the browser process.
// Call this on graceful shutdown to prevent zombie Chrome processes.
func (s *Scraper) Close() {
	slog.Info("scraper shutting down: closing browser")
	if err := s.browser.Close(); err != nil {
		slog.Warn("browser close failed", "error", err)
	}
	slog.Info("scraper shutdown complete")
}

// Check reports the browser as degraded when more than 80% of its pages are busy.
func (s *Scraper) Check(context.Context) error {
	st := s.Stats()
	if st.MaxPages > 0 && st.ActivePages > int(float64(st.MaxPages)*0.8) {
		return fmt.Errorf("browser saturated: %d/%d pages active", st.ActivePages, st.MaxPages)
	}
	return nil
}

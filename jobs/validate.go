package jobs

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/use-agent/harvester/cleaner"
	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/fingerprint"
	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/pricing"
)

var methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

var formats = []string{models.FormatHTML, models.FormatMarkdown, models.FormatText}

var screenshotFormats = []string{"png", "jpeg", "jpg", "webp"}

// requiredField names the step field each action cannot do without.
var requiredField = map[string]string{
	models.ActionWaitFor:           "selector",
	models.ActionWait:              "duration",
	models.ActionWaitForNavigation: "",
	models.ActionClick:             "selector",
	models.ActionFill:              "selector",
	models.ActionSelect:            "selector",
	models.ActionHover:             "selector",
	models.ActionPress:             "key",
	models.ActionScroll:            "",
	models.ActionScrollTo:          "selector",
	models.ActionEvaluate:          "script",
	models.ActionScreenshot:        "",
}

// validateURL checks that raw is an absolute http(s) URL within the length limit.
func validateURL(raw string, maxLen int) error {
	if raw == "" {
		return models.NewScrapeError(models.ErrCodeInvalidURL, "url is required", nil)
	}
	if maxLen > 0 && len(raw) > maxLen {
		return models.NewScrapeError(models.ErrCodeInvalidURL, fmt.Sprintf("url exceeds %d characters", maxLen), nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return models.NewScrapeError(models.ErrCodeInvalidURL, "url is not parseable", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return models.NewScrapeError(models.ErrCodeInvalidURL, "url scheme must be http or https", nil)
	}
	if u.Host == "" {
		return models.NewScrapeError(models.ErrCodeInvalidURL, "url must be absolute", nil)
	}
	return nil
}

// validateRequest checks the request envelope; options are checked after the merge.
func validateRequest(req *models.JobRequest, limits config.AdmissionConfig) error {
	if err := validateURL(req.URL, limits.MaxURLLength); err != nil {
		return err
	}
	if !slices.Contains(methods, req.Method) {
		return models.InvalidOptions("unsupported method %q", req.Method)
	}
	switch req.Engine {
	case models.EngineAuto, models.EngineHTTP, models.EngineBrowser, models.EngineStealth:
	default:
		return models.InvalidOptions("unknown engine %q", req.Engine)
	}
	if limits.MaxBodyBytes > 0 && len(req.Body) > limits.MaxBodyBytes {
		return models.InvalidOptions("body exceeds %d bytes", limits.MaxBodyBytes)
	}
	if req.WebhookURL != "" {
		if err := validateURL(req.WebhookURL, limits.MaxURLLength); err != nil {
			return models.InvalidOptions("webhook_url must be an absolute http(s) URL")
		}
	}
	return nil
}

// validateOptions checks merged options and their fit with the chosen engine.
func validateOptions(opts models.Options, engine models.EngineType, method string, limits config.AdmissionConfig) error {
	if opts.TimeoutMs <= 0 {
		return models.InvalidOptions("timeout_ms must be positive")
	}
	if limits.MaxTimeout > 0 && opts.Timeout() > limits.MaxTimeout {
		return models.InvalidOptions("timeout_ms exceeds %d", limits.MaxTimeout.Milliseconds())
	}
	if opts.WaitMs < 0 || (limits.MaxWait > 0 && int64(opts.WaitMs) > limits.MaxWait.Milliseconds()) {
		return models.InvalidOptions("wait_ms must be between 0 and %d", limits.MaxWait.Milliseconds())
	}
	if !slices.Contains(formats, opts.Format) {
		return models.InvalidOptions("unknown format %q", opts.Format)
	}
	if !slices.Contains(screenshotFormats, strings.ToLower(opts.ScreenshotOptions.Format)) {
		return models.InvalidOptions("unknown screenshot format %q", opts.ScreenshotOptions.Format)
	}
	if q := opts.ScreenshotOptions.Quality; q != 0 && (q < 1 || q > 100) {
		return models.InvalidOptions("screenshot quality must be between 1 and 100")
	}
	if opts.Country != "" && !isCountryCode(opts.Country) {
		return models.InvalidOptions("country must be a two-letter code")
	}
	for _, rt := range opts.BlockResources {
		if !slices.Contains(models.ResourceTypes, strings.ToLower(rt)) {
			return models.InvalidOptions("unknown resource type %q", rt)
		}
	}
	for name, sel := range opts.Extract {
		if err := cleaner.ValidateSelector(sel); err != nil {
			return models.InvalidOptions("extract %q: %v", name, err)
		}
	}
	if err := validateScenario(opts.Scenario, limits.MaxScenario); err != nil {
		return err
	}
	if opts.Fingerprint != nil {
		if err := fingerprint.Validate(opts.Fingerprint); err != nil {
			return models.InvalidOptions("fingerprint: %v", err)
		}
	}

	if engine == models.EngineHTTP && (pricing.NeedsBrowser(opts) || opts.Fingerprint != nil) {
		return models.InvalidOptions("http engine cannot render, script or capture pages; use browser or auto")
	}
	if engine.Browser() && method != "GET" {
		return models.InvalidOptions("browser engines only navigate with GET")
	}
	return nil
}

func validateScenario(steps []models.ScenarioStep, max int) error {
	if max > 0 && len(steps) > max {
		return models.InvalidOptions("scenario exceeds %d steps", max)
	}
	for i, s := range steps {
		field, known := requiredField[s.Action]
		if !known {
			return models.InvalidOptions("scenario step %d: unknown action %q", i, s.Action)
		}
		missing := false
		switch field {
		case "selector":
			missing = s.Selector == ""
		case "key":
			missing = s.Key == ""
		case "script":
			missing = s.Script == ""
		case "duration":
			missing = s.DurationMs <= 0
		}
		if missing {
			return models.InvalidOptions("scenario step %d (%s): %s is required", i, s.Action, field)
		}
		if s.TimeoutMs < 0 {
			return models.InvalidOptions("scenario step %d (%s): timeout must not be negative", i, s.Action)
		}
	}
	return nil
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

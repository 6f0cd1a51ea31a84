package models

import (
	"maps"
	"slices"
	"time"
)

// Scenario step actions understood by the browser engines.
const (
	ActionWaitFor           = "wait_for"
	ActionWait              = "wait"
	ActionWaitForNavigation = "wait_for_navigation"
	ActionClick             = "click"
	ActionFill              = "fill"
	ActionSelect            = "select"
	ActionHover             = "hover"
	ActionPress             = "press"
	ActionScroll            = "scroll"
	ActionScrollTo          = "scroll_to"
	ActionEvaluate          = "evaluate"
	ActionScreenshot        = "screenshot"
)

// Output formats for a job's stored content.
const (
	FormatHTML     = "html"
	FormatText     = "text"
	FormatMarkdown = "markdown"
)

// ResourceTypes lists the request types block_resources accepts.
var ResourceTypes = []string{
	"image", "stylesheet", "font", "media", "script",
	"xhr", "fetch", "websocket", "manifest", "ping",
}

// ScenarioStep is one browser interaction executed after navigation.
type ScenarioStep struct {
	Action   string `json:"action"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	Key      string `json:"key,omitempty"`
	Script   string `json:"script,omitempty"`

	// TimeoutMs bounds wait_for / wait_for_navigation; DurationMs is the wait length.
	TimeoutMs  int `json:"timeout,omitempty"`
	DurationMs int `json:"duration,omitempty"`

	X        int  `json:"x,omitempty"`
	Y        int  `json:"y,omitempty"`
	FullPage bool `json:"full_page,omitempty"`
}

// ScreenshotOptions controls the screenshot payload.
type ScreenshotOptions struct {
	FullPage bool   `json:"full_page"`
	Format   string `json:"format"`
	Quality  int    `json:"quality,omitempty"`
}

// Cookie is a cookie set before navigation or returned by the target.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

// Options is the fully resolved option set of a job. Every field has a value
// after MergeOptions; nothing downstream checks for "unset".
type Options struct {
	RenderJS          bool              `json:"render_js"`
	WaitFor           string            `json:"wait_for,omitempty"`
	WaitMs            int               `json:"wait_ms,omitempty"`
	TimeoutMs         int               `json:"timeout_ms"`
	Screenshot        bool              `json:"screenshot"`
	ScreenshotOptions ScreenshotOptions `json:"screenshot_options"`
	PDF               bool              `json:"pdf"`
	Extract           map[string]string `json:"extract,omitempty"`
	BlockResources    []string          `json:"block_resources,omitempty"`
	Scenario          []ScenarioStep    `json:"scenario,omitempty"`
	Cookies           []Cookie          `json:"cookies,omitempty"`
	PremiumProxy      bool              `json:"premium_proxy"`
	MobileProxy       bool              `json:"mobile_proxy"`
	Country           string            `json:"country,omitempty"`
	Stealth           bool              `json:"stealth"`
	Mobile            bool              `json:"mobile"`
	Format            string            `json:"format"`
	Fingerprint       *Fingerprint      `json:"fingerprint,omitempty"`
}

// Timeout returns the per-attempt execution timeout.
func (o Options) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// OptionsInput is the client-supplied option set. Nil fields take the default.
type OptionsInput struct {
	RenderJS          *bool             `json:"render_js,omitempty"`
	WaitFor           *string           `json:"wait_for,omitempty"`
	WaitMs            *int              `json:"wait_ms,omitempty"`
	TimeoutMs         *int              `json:"timeout_ms,omitempty"`
	Screenshot        *bool             `json:"screenshot,omitempty"`
	ScreenshotOptions *ScreenshotInput  `json:"screenshot_options,omitempty"`
	PDF               *bool             `json:"pdf,omitempty"`
	Extract           map[string]string `json:"extract,omitempty"`
	BlockResources    []string          `json:"block_resources,omitempty"`
	Scenario          []ScenarioStep    `json:"scenario,omitempty"`
	Cookies           []Cookie          `json:"cookies,omitempty"`
	PremiumProxy      *bool             `json:"premium_proxy,omitempty"`
	MobileProxy       *bool             `json:"mobile_proxy,omitempty"`
	Country           *string           `json:"country,omitempty"`
	Stealth           *bool             `json:"stealth,omitempty"`
	Mobile            *bool             `json:"mobile,omitempty"`
	Format            *string           `json:"format,omitempty"`
	Fingerprint       *Fingerprint      `json:"fingerprint,omitempty"`
}

// ScreenshotInput is the client-supplied screenshot option set.
type ScreenshotInput struct {
	FullPage *bool   `json:"full_page,omitempty"`
	Format   *string `json:"format,omitempty"`
	Quality  *int    `json:"quality,omitempty"`
}

// DefaultOptions returns the engine defaults every job starts from.
func DefaultOptions() Options {
	return Options{
		TimeoutMs:         30000,
		ScreenshotOptions: ScreenshotOptions{Format: "png"},
		Format:            FormatHTML,
	}
}

// MergeOptions overlays in on defaults. It never mutates either argument.
func MergeOptions(defaults Options, in *OptionsInput) Options {
	out := defaults
	out.Extract = maps.Clone(defaults.Extract)
	out.BlockResources = slices.Clone(defaults.BlockResources)
	out.Scenario = slices.Clone(defaults.Scenario)
	out.Cookies = slices.Clone(defaults.Cookies)
	if in == nil {
		return out
	}

	setBool(&out.RenderJS, in.RenderJS)
	setString(&out.WaitFor, in.WaitFor)
	setInt(&out.WaitMs, in.WaitMs)
	setInt(&out.TimeoutMs, in.TimeoutMs)
	setBool(&out.Screenshot, in.Screenshot)
	if s := in.ScreenshotOptions; s != nil {
		setBool(&out.ScreenshotOptions.FullPage, s.FullPage)
		setString(&out.ScreenshotOptions.Format, s.Format)
		setInt(&out.ScreenshotOptions.Quality, s.Quality)
	}
	setBool(&out.PDF, in.PDF)
	if in.Extract != nil {
		out.Extract = maps.Clone(in.Extract)
	}
	if in.BlockResources != nil {
		out.BlockResources = slices.Clone(in.BlockResources)
	}
	if in.Scenario != nil {
		out.Scenario = slices.Clone(in.Scenario)
	}
	if in.Cookies != nil {
		out.Cookies = slices.Clone(in.Cookies)
	}
	setBool(&out.PremiumProxy, in.PremiumProxy)
	setBool(&out.MobileProxy, in.MobileProxy)
	setString(&out.Country, in.Country)
	setBool(&out.Stealth, in.Stealth)
	setBool(&out.Mobile, in.Mobile)
	setString(&out.Format, in.Format)
	if in.Fingerprint != nil {
		fp := *in.Fingerprint
		out.Fingerprint = &fp
	}
	return out
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}


package fingerprint

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/use-agent/harvester/models"
)

// ReadbackScript reads back the live identity surfaces of a page. Evaluate it
// after navigation and decode the result into a Readback.
const ReadbackScript = `() => {
  let vendor = '', renderer = '';
  try {
    const gl = document.createElement('canvas').getContext('webgl');
    if (gl) {
      vendor = gl.getParameter(0x9245) || '';
      renderer = gl.getParameter(0x9246) || '';
    }
  } catch (e) {}
  return {
    userAgent: navigator.userAgent,
    platform: navigator.platform,
    language: navigator.language,
    languages: Array.from(navigator.languages || []),
    hardwareConcurrency: navigator.hardwareConcurrency || 0,
    deviceMemory: navigator.deviceMemory || 0,
    maxTouchPoints: navigator.maxTouchPoints || 0,
    webdriver: navigator.webdriver === true,
    screenWidth: screen.width,
    screenHeight: screen.height,
    availWidth: screen.availWidth,
    availHeight: screen.availHeight,
    pixelRatio: window.devicePixelRatio,
    webglVendor: vendor,
    webglRenderer: renderer,
    timezoneOffset: new Date().getTimezoneOffset(),
    timezone: Intl.DateTimeFormat().resolvedOptions().timeZone,
    automationKeys: Object.keys(window).filter(k => /^\$?cdc_|^__(webdriver|selenium|driver)/.test(k)).length,
  };
}`

// Readback is the decoded result of ReadbackScript.
type Readback struct {
	UserAgent           string   `json:"userAgent"`
	Platform            string   `json:"platform"`
	Language            string   `json:"language"`
	Languages           []string `json:"languages"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        float64  `json:"deviceMemory"`
	MaxTouchPoints      int      `json:"maxTouchPoints"`
	Webdriver           bool     `json:"webdriver"`
	ScreenWidth         int      `json:"screenWidth"`
	ScreenHeight        int      `json:"screenHeight"`
	AvailWidth          int      `json:"availWidth"`
	AvailHeight         int      `json:"availHeight"`
	PixelRatio          float64  `json:"pixelRatio"`
	WebGLVendor         string   `json:"webglVendor"`
	WebGLRenderer       string   `json:"webglRenderer"`
	TimezoneOffset      int      `json:"timezoneOffset"`
	Timezone            string   `json:"timezone"`
	AutomationKeys      int      `json:"automationKeys"`
}

// Compare lists every surface where the live page disagrees with fp.
// WebGL is only checked when the page exposes a context at all.
func Compare(fp *models.Fingerprint, p Readback) []string {
	var out []string
	check := func(name string, want, got any) {
		if want != got {
			out = append(out, fmt.Sprintf("%s: want %v, got %v", name, want, got))
		}
	}
	check("userAgent", fp.UserAgent, p.UserAgent)
	check("platform", fp.Navigator.Platform, p.Platform)
	check("language", fp.Navigator.Language, p.Language)
	if !slices.Equal(fp.Navigator.Languages, p.Languages) {
		out = append(out, fmt.Sprintf("languages: want %v, got %v", fp.Navigator.Languages, p.Languages))
	}
	check("hardwareConcurrency", fp.Navigator.HardwareConcurrency, p.HardwareConcurrency)
	if fp.Navigator.DeviceMemory > 0 {
		check("deviceMemory", float64(fp.Navigator.DeviceMemory), p.DeviceMemory)
	}
	check("maxTouchPoints", fp.Navigator.MaxTouchPoints, p.MaxTouchPoints)
	check("webdriver", false, p.Webdriver)
	check("screen.width", fp.Screen.Width, p.ScreenWidth)
	check("screen.height", fp.Screen.Height, p.ScreenHeight)
	check("screen.availWidth", fp.Screen.AvailWidth, p.AvailWidth)
	check("screen.availHeight", fp.Screen.AvailHeight, p.AvailHeight)
	if math.Abs(fp.Screen.PixelRatio-p.PixelRatio) > 1e-6 {
		out = append(out, fmt.Sprintf("devicePixelRatio: want %v, got %v", fp.Screen.PixelRatio, p.PixelRatio))
	}
	if p.WebGLVendor != "" || p.WebGLRenderer != "" {
		check("webgl.vendor", fp.WebGL.Vendor, p.WebGLVendor)
		check("webgl.renderer", fp.WebGL.Renderer, p.WebGLRenderer)
	}
	check("timezoneOffset", fp.TimezoneOffset, p.TimezoneOffset)
	check("timezone", fp.Timezone, p.Timezone)
	if p.AutomationKeys > 0 {
		out = append(out, fmt.Sprintf("automation artifacts: %d globals", p.AutomationKeys))
	}
	return out
}

// Validate checks a caller-supplied fingerprint for internal consistency.
func Validate(fp *models.Fingerprint) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if fp.UserAgent == "" {
		add("user_agent is required")
	}
	if fp.Navigator.Platform == "" {
		add("navigator.platform is required")
	}
	if len(fp.Navigator.Languages) == 0 {
		add("navigator.languages must not be empty")
	}
	if fp.Navigator.HardwareConcurrency <= 0 {
		add("navigator.hardware_concurrency must be positive")
	}

	s := fp.Screen
	if s.Width <= 0 || s.Height <= 0 {
		add("screen dimensions must be positive")
	}
	if s.AvailWidth > s.Width || s.AvailHeight > s.Height {
		add("screen avail dimensions exceed screen size")
	}
	if s.PixelRatio <= 0 {
		add("screen.pixel_ratio must be positive")
	}

	mobileUA := strings.Contains(fp.UserAgent, "Mobile") || strings.Contains(fp.UserAgent, "iPhone")
	if mobileUA != (fp.Navigator.MaxTouchPoints > 0) {
		add("navigator.max_touch_points disagrees with the user agent")
	}

	if fp.CanvasNoiseSeed == "" || fp.AudioNoiseSeed == "" {
		add("noise seeds are required")
	} else if fp.CanvasNoiseSeed == fp.AudioNoiseSeed {
		add("canvas and audio noise seeds must differ")
	}

	if fp.Timezone == "" {
		add("timezone is required")
	} else if _, err := time.LoadLocation(fp.Timezone); err != nil {
		add("unknown timezone %q", fp.Timezone)
	}
	return errors.Join(errs...)
}

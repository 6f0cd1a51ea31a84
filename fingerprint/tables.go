package fingerprint

import "github.com/use-agent/harvester/models"

// Platform identifies an operating-system family a fingerprint claims.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Mobile reports whether p is a touch platform.
func (p Platform) Mobile() bool {
	return p == PlatformAndroid || p == PlatformIOS
}

type browserFamily int

const (
	chromium browserFamily = iota
	safari
)

type userAgent struct {
	ua    string
	major string // Chromium major version, empty for Safari
}

type profile struct {
	navPlatform string
	vendor      string
	appVersion  string
	chPlatform  string
	family      browserFamily
	agents      []userAgent
	gpus        []models.WebGLFingerprint
	screens     []models.ScreenFingerprint
	cores       []int
	memory      []int // navigator.deviceMemory buckets, 0 where unsupported
}

const (
	chromeWebGL = "WebGL 1.0 (OpenGL ES 2.0 Chromium)"
	safariWebGL = "WebGL 1.0"
)

var desktopScreens = []models.ScreenFingerprint{
	{Width: 1920, Height: 1080, AvailWidth: 1920, AvailHeight: 1040, ColorDepth: 24, PixelRatio: 1},
	{Width: 1366, Height: 768, AvailWidth: 1366, AvailHeight: 728, ColorDepth: 24, PixelRatio: 1},
	{Width: 1536, Height: 864, AvailWidth: 1536, AvailHeight: 824, ColorDepth: 24, PixelRatio: 1.25},
	{Width: 1600, Height: 900, AvailWidth: 1600, AvailHeight: 860, ColorDepth: 24, PixelRatio: 1},
	{Width: 2560, Height: 1440, AvailWidth: 2560, AvailHeight: 1400, ColorDepth: 24, PixelRatio: 1},
}

var profiles = map[Platform]profile{
	PlatformWindows: {
		navPlatform: "Win32",
		vendor:      "Google Inc.",
		chPlatform:  "Windows",
		family:      chromium,
		agents: []userAgent{
			{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36", "129"},
			{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36", "130"},
			{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36", "131"},
		},
		gpus: []models.WebGLFingerprint{
			{Vendor: "Google Inc. (NVIDIA)", Renderer: "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)", Version: chromeWebGL},
			{Vendor: "Google Inc. (NVIDIA)", Renderer: "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 SUPER Direct3D11 vs_5_0 ps_5_0, D3D11)", Version: chromeWebGL},
			{Vendor: "Google Inc. (AMD)", Renderer: "ANGLE (AMD, AMD Radeon RX 6700 XT Direct3D11 vs_5_0 ps_5_0, D3D11)", Version: chromeWebGL},
			{Vendor: "Google Inc. (Intel)", Renderer: "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)", Version: chromeWebGL},
			{Vendor: "Google Inc. (Intel)", Renderer: "ANGLE (Intel, Intel(R) Iris(R) Xe Graphics Direct3D11 vs_5_0 ps_5_0, D3D11)", Version: chromeWebGL},
		},
		screens: desktopScreens,
		cores:   []int{4, 8, 12, 16},
		memory:  []int{4, 8},
	},
	PlatformMacOS: {
		navPlatform: "MacIntel",
		vendor:      "Google Inc.",
		chPlatform:  "macOS",
		family:      chromium,
		agents: []userAgent{
			{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36", "130"},
			{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36", "131"},
		},
		gpus: []models.WebGLFingerprint{
			{Vendor: "Google Inc. (Apple)", Renderer: "ANGLE (Apple, ANGLE Metal Renderer: Apple M1, Unspecified Version)", Version: chromeWebGL},
			{Vendor: "Google Inc. (Apple)", Renderer: "ANGLE (Apple, ANGLE Metal Renderer: Apple M1 Pro, Unspecified Version)", Version: chromeWebGL},
			{Vendor: "Google Inc. (Apple)", Renderer: "ANGLE (Apple, ANGLE Metal Renderer: Apple M2, Unspecified Version)", Version: chromeWebGL},
		},
		screens: []models.ScreenFingerprint{
			{Width: 1440, Height: 900, AvailWidth: 1440, AvailHeight: 875, ColorDepth: 30, PixelRatio: 2},
			{Width: 1512, Height: 982, AvailWidth: 1512, AvailHeight: 944, ColorDepth: 30, PixelRatio: 2},
			{Width: 1728, Height: 1117, AvailWidth: 1728, AvailHeight: 1079, ColorDepth: 30, PixelRatio: 2},
			{Width: 2560, Height: 1440, AvailWidth: 2560, AvailHeight: 1415, ColorDepth: 24, PixelRatio: 1},
		},
		cores:  []int{8, 10, 12},
		memory: []int{8},
	},
	PlatformLinux: {
		navPlatform: "Linux x86_64",
		vendor:      "Google Inc.",
		chPlatform:  "Linux",
		family:      chromium,
		agents: []userAgent{
			{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36", "130"},
			{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36", "131"},
		},
		gpus: []models.WebGLFingerprint{
			{Vendor: "Google Inc. (Intel)", Renderer: "ANGLE (Intel, Mesa Intel(R) UHD Graphics 620 (KBL GT2), OpenGL 4.6)", Version: chromeWebGL},
			{Vendor: "Google Inc. (AMD)", Renderer: "ANGLE (AMD, AMD Radeon RX 580 Series (radeonsi, polaris10, LLVM 15.0.7, DRM 3.49), OpenGL 4.6)", Version: chromeWebGL},
			{Vendor: "Google Inc. (NVIDIA Corporation)", Renderer: "ANGLE (NVIDIA Corporation, NVIDIA GeForce GTX 1080/PCIe/SSE2, OpenGL 4.5.0)", Version: chromeWebGL},
		},
		screens: desktopScreens,
		cores:   []int{4, 8, 16},
		memory:  []int{8},
	},
	PlatformAndroid: {
		navPlatform: "Linux armv8l",
		vendor:      "Google Inc.",
		chPlatform:  "Android",
		family:      chromium,
		agents: []userAgent{
			{"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Mobile Safari/537.36", "130"},
			{"Mozilla/5.0 (Linux; Android 14; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36", "131"},
		},
		gpus: []models.WebGLFingerprint{
			{Vendor: "Qualcomm", Renderer: "Adreno (TM) 740", Version: chromeWebGL},
			{Vendor: "Qualcomm", Renderer: "Adreno (TM) 730", Version: chromeWebGL},
			{Vendor: "ARM", Renderer: "Mali-G715", Version: chromeWebGL},
		},
		screens: []models.ScreenFingerprint{
			{Width: 412, Height: 915, AvailWidth: 412, AvailHeight: 915, ColorDepth: 24, PixelRatio: 2.625},
			{Width: 360, Height: 800, AvailWidth: 360, AvailHeight: 800, ColorDepth: 24, PixelRatio: 3},
			{Width: 384, Height: 854, AvailWidth: 384, AvailHeight: 854, ColorDepth: 24, PixelRatio: 2.8125},
		},
		cores:  []int{8},
		memory: []int{4, 8},
	},
	PlatformIOS: {
		navPlatform: "iPhone",
		vendor:      "Apple Computer, Inc.",
		family:      safari,
		agents: []userAgent{
			{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1", ""},
			{"Mozilla/5.0 (iPhone; CPU iPhone OS 18_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Mobile/15E148 Safari/604.1", ""},
		},
		gpus: []models.WebGLFingerprint{
			{Vendor: "Apple Inc.", Renderer: "Apple GPU", Version: safariWebGL},
		},
		screens: []models.ScreenFingerprint{
			{Width: 390, Height: 844, AvailWidth: 390, AvailHeight: 844, ColorDepth: 24, PixelRatio: 3},
			{Width: 393, Height: 852, AvailWidth: 393, AvailHeight: 852, ColorDepth: 24, PixelRatio: 3},
			{Width: 430, Height: 932, AvailWidth: 430, AvailHeight: 932, ColorDepth: 24, PixelRatio: 3},
		},
		cores:  []int{4, 6},
		memory: []int{0},
	},
}

type locale struct {
	tag       string
	languages []string
	zones     []string
}

var locales = map[string]locale{
	"US": {"en-US", []string{"en-US", "en"}, []string{"America/New_York", "America/Chicago", "America/Denver", "America/Los_Angeles"}},
	"CA": {"en-CA", []string{"en-CA", "en", "fr-CA"}, []string{"America/Toronto", "America/Vancouver"}},
	"GB": {"en-GB", []string{"en-GB", "en"}, []string{"Europe/London"}},
	"DE": {"de-DE", []string{"de-DE", "de", "en"}, []string{"Europe/Berlin"}},
	"FR": {"fr-FR", []string{"fr-FR", "fr", "en"}, []string{"Europe/Paris"}},
	"ES": {"es-ES", []string{"es-ES", "es", "en"}, []string{"Europe/Madrid"}},
	"IT": {"it-IT", []string{"it-IT", "it", "en"}, []string{"Europe/Rome"}},
	"NL": {"nl-NL", []string{"nl-NL", "nl", "en"}, []string{"Europe/Amsterdam"}},
	"JP": {"ja-JP", []string{"ja-JP", "ja", "en"}, []string{"Asia/Tokyo"}},
	"BR": {"pt-BR", []string{"pt-BR", "pt", "en"}, []string{"America/Sao_Paulo"}},
	"IN": {"en-IN", []string{"en-IN", "en", "hi"}, []string{"Asia/Kolkata"}},
	"AU": {"en-AU", []string{"en-AU", "en"}, []string{"Australia/Sydney", "Australia/Melbourne"}},
}

const defaultCountry = "US"

// desktop platform weights, roughly matching real traffic share
var desktopWeights = []struct {
	p Platform
	w int
}{
	{PlatformWindows, 65},
	{PlatformMacOS, 25},
	{PlatformLinux, 10},
}

package models

// Fingerprint is a synthetic browser identity presented by one job attempt.
// It is never mutated after generation.
type Fingerprint struct {
	ID        string `json:"id"`
	UserAgent string `json:"user_agent"`

	Navigator NavigatorFingerprint `json:"navigator"`
	Screen    ScreenFingerprint    `json:"screen"`
	WebGL     WebGLFingerprint     `json:"webgl"`

	// Timezone is an IANA zone name; TimezoneOffset is in minutes with the
	// Date.prototype.getTimezoneOffset sign convention (UTC minus local).
	Timezone       string `json:"timezone"`
	TimezoneOffset int    `json:"timezone_offset"`
	Locale         string `json:"locale"`

	CanvasNoiseSeed string `json:"canvas_noise_seed"`
	AudioNoiseSeed  string `json:"audio_noise_seed"`

	Headers map[string]string `json:"headers"`
}

// NavigatorFingerprint is the navigator.* identity surface.
type NavigatorFingerprint struct {
	Platform            string   `json:"platform"`
	Language            string   `json:"language"`
	Languages           []string `json:"languages"`
	HardwareConcurrency int      `json:"hardware_concurrency"`
	DeviceMemory        int      `json:"device_memory"`
	MaxTouchPoints      int      `json:"max_touch_points"`
	Vendor              string   `json:"vendor"`
	AppVersion          string   `json:"app_version"`
}

// ScreenFingerprint is the screen.* and devicePixelRatio surface.
type ScreenFingerprint struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AvailWidth  int     `json:"avail_width"`
	AvailHeight int     `json:"avail_height"`
	ColorDepth  int     `json:"color_depth"`
	PixelRatio  float64 `json:"pixel_ratio"`
}

// WebGLFingerprint is the graphics vendor/renderer surface.
type WebGLFingerprint struct {
	Vendor   string `json:"vendor"`
	Renderer string `json:"renderer"`
	Version  string `json:"version"`
}

// Mobile reports whether the identity describes a touch device.
func (f *Fingerprint) Mobile() bool {
	return f.Navigator.MaxTouchPoints > 0
}

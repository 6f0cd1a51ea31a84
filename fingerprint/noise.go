package fingerprint

import "github.com/use-agent/harvester/models"

// Noise is the deterministic perturbation the page script applies, mirrored
// in Go so that rendered captures can be reproduced and tested.
type Noise struct {
	seed uint32
}

// NewNoise derives the perturbation for a fingerprint noise seed.
func NewNoise(seed string) Noise {
	return Noise{seed: SeedWord(seed)}
}

// mix is a 32-bit finaliser; it must stay bit-identical to the script's mix.
func mix(seed, i uint32) uint32 {
	h := seed ^ (i * 0x9e3779b1)
	h = (h ^ (h >> 16)) * 0x85ebca6b
	h = (h ^ (h >> 13)) * 0xc2b2ae35
	return h ^ (h >> 16)
}

// CanvasShift reports which colour channel of pixel is flipped, if any.
// Roughly one pixel in 32 is touched.
func (n Noise) CanvasShift(pixel int) (channel int, ok bool) {
	m := mix(n.seed, uint32(pixel))
	if m&31 != 0 {
		return 0, false
	}
	return int((m >> 5) % 3), true
}

// PerturbRGBA applies the canvas noise to RGBA pixel data in place. Applying
// it to a fresh copy of the same pixels always yields the same bytes.
func (n Noise) PerturbRGBA(data []byte) {
	for i := 0; i+3 < len(data); i += 4 {
		if c, ok := n.CanvasShift(i >> 2); ok {
			data[i+c] ^= 1
		}
	}
}

// AudioShift is the offset added to audio sample i.
func (n Noise) AudioShift(i int) float64 {
	return float64(int(mix(n.seed, uint32(i))%1000)-500) * 1e-10
}

// BrowserContext is what a browser session must be configured with, outside
// of the injected script, to present a fingerprint.
type BrowserContext struct {
	UserAgent      string
	AcceptLanguage string
	Platform       string

	ViewportWidth  int
	ViewportHeight int
	ScreenWidth    int
	ScreenHeight   int
	PixelRatio     float64
	Mobile         bool
	TouchPoints    int

	Timezone string
	Locale   string
}

// ContextOptions derives the session configuration for fp.
func ContextOptions(fp *models.Fingerprint) BrowserContext {
	return BrowserContext{
		UserAgent:      fp.UserAgent,
		AcceptLanguage: fp.Headers["Accept-Language"],
		Platform:       fp.Navigator.Platform,
		ViewportWidth:  fp.Screen.AvailWidth,
		ViewportHeight: fp.Screen.AvailHeight,
		ScreenWidth:    fp.Screen.Width,
		ScreenHeight:   fp.Screen.Height,
		PixelRatio:     fp.Screen.PixelRatio,
		Mobile:         fp.Mobile(),
		TouchPoints:    fp.Navigator.MaxTouchPoints,
		Timezone:       fp.Timezone,
		Locale:         fp.Locale,
	}
}

// Package fingerprint produces synthetic browser identities and the
// page-side scripts that present and verify them.
//
// A Generator draws every choice from its own random source, so a seeded
// generator is fully deterministic and the package has no side effects.
package fingerprint

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"

	"github.com/use-agent/harvester/models"
)

// Options constrain generation. Zero values let the generator choose.
type Options struct {
	Platform Platform
	Mobile   bool
	Country  string
}

// Generator is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	src *mrand.ChaCha8
	rng *mrand.Rand
	now func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock sets the clock used to resolve timezone offsets.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New returns a Generator seeded from the operating system.
func New(opts ...Option) *Generator {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("fingerprint: seed: %v", err))
	}
	return newGenerator(seed, opts)
}

// NewSeeded returns a deterministic Generator; equal seeds yield equal
// fingerprint sequences.
func NewSeeded(seed string, opts ...Option) *Generator {
	return newGenerator(sha256.Sum256([]byte(seed)), opts)
}

func newGenerator(seed [32]byte, opts []Option) *Generator {
	src := mrand.NewChaCha8(seed)
	g := &Generator{src: src, rng: mrand.New(src), now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ForSession returns the fingerprint bound to a session id. Repeated calls
// with the same id and options describe the same identity.
func ForSession(sessionID string, opts Options) (*models.Fingerprint, error) {
	return NewSeeded(sessionID).Generate(opts)
}

// Generate produces one internally consistent identity.
func (g *Generator) Generate(opts Options) (*models.Fingerprint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	platform := opts.Platform
	switch {
	case platform == "" && opts.Mobile:
		platform = PlatformAndroid
		if g.rng.IntN(3) == 0 {
			platform = PlatformIOS
		}
	case platform == "":
		platform = g.pickDesktop()
	case opts.Mobile && !platform.Mobile():
		// A desktop family asked to be mobile keeps its vendor.
		if platform == PlatformMacOS {
			platform = PlatformIOS
		} else {
			platform = PlatformAndroid
		}
	}
	prof, ok := profiles[platform]
	if !ok {
		return nil, fmt.Errorf("fingerprint: unknown platform %q", platform)
	}

	country := strings.ToUpper(opts.Country)
	loc, ok := locales[country]
	if !ok {
		loc = locales[defaultCountry]
	}
	zone := pick(g.rng, loc.zones)
	offset, err := offsetMinutes(zone, g.now())
	if err != nil {
		return nil, err
	}

	agent := pick(g.rng, prof.agents)
	touch := 0
	if platform.Mobile() {
		touch = 5
	}

	id, err := uuid.NewRandomFromReader(g.src)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: id: %w", err)
	}

	fp := &models.Fingerprint{
		ID:        id.String(),
		UserAgent: agent.ua,
		Navigator: models.NavigatorFingerprint{
			Platform:            prof.navPlatform,
			Language:            loc.tag,
			Languages:           append([]string(nil), loc.languages...),
			HardwareConcurrency: pick(g.rng, prof.cores),
			DeviceMemory:        pick(g.rng, prof.memory),
			MaxTouchPoints:      touch,
			Vendor:              prof.vendor,
			AppVersion:          strings.TrimPrefix(agent.ua, "Mozilla/"),
		},
		Screen:          pick(g.rng, prof.screens),
		WebGL:           pick(g.rng, prof.gpus),
		Timezone:        zone,
		TimezoneOffset:  offset,
		Locale:          loc.tag,
		CanvasNoiseSeed: g.noiseSeed(),
		AudioNoiseSeed:  g.noiseSeed(),
	}
	fp.Headers = headers(prof, agent, loc, platform.Mobile())
	return fp, nil
}

func (g *Generator) pickDesktop() Platform {
	total := 0
	for _, w := range desktopWeights {
		total += w.w
	}
	n := g.rng.IntN(total)
	for _, w := range desktopWeights {
		if n < w.w {
			return w.p
		}
		n -= w.w
	}
	return PlatformWindows
}

func (g *Generator) noiseSeed() string {
	var b [16]byte
	_, _ = g.src.Read(b[:])
	return hex.EncodeToString(b[:])
}

func pick[T any](rng *mrand.Rand, xs []T) T {
	return xs[rng.IntN(len(xs))]
}

// offsetMinutes follows Date.prototype.getTimezoneOffset: UTC minus local.
func offsetMinutes(zone string, at time.Time) (int, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: timezone %q: %w", zone, err)
	}
	_, secs := at.In(loc).Zone()
	return -secs / 60, nil
}

func headers(prof profile, agent userAgent, loc locale, mobile bool) map[string]string {
	h := map[string]string{
		"User-Agent":                agent.ua,
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"Accept-Language":           acceptLanguage(loc.languages),
		"Accept-Encoding":           "gzip, deflate, br",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
	}
	if prof.family == chromium {
		h["Sec-CH-UA"] = fmt.Sprintf(`"Chromium";v="%s", "Google Chrome";v="%s", "Not?A_Brand";v="99"`, agent.major, agent.major)
		h["Sec-CH-UA-Mobile"] = "?0"
		if mobile {
			h["Sec-CH-UA-Mobile"] = "?1"
		}
		h["Sec-CH-UA-Platform"] = `"` + prof.chPlatform + `"`
	}
	return h
}

// acceptLanguage renders ["en-US","en"] as "en-US,en;q=0.9".
func acceptLanguage(langs []string) string {
	var b strings.Builder
	for i, l := range langs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l)
		if i > 0 {
			fmt.Fprintf(&b, ";q=%.1f", 1-float64(i)/10)
		}
	}
	return b.String()
}

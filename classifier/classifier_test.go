package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/harvester/models"
)

func TestClassifyPriority(t *testing.T) {
	c := New(nil)
	tests := []struct {
		name    string
		raw     Raw
		want    models.Classification
		captcha string
	}{
		{"deadline", Raw{Err: context.DeadlineExceeded, StatusCode: 200}, models.ClassTimeout, ""},
		{"explicit timeout kind", Raw{Kind: models.TransportTimeout}, models.ClassTimeout, ""},
		{"dial failure", Raw{Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}, models.ClassTargetError, ""},
		{"dns failure", Raw{Err: fmt.Errorf("fetch: %w", &net.DNSError{Err: "no such host"})}, models.ClassTargetError, ""},
		{"other transport", Raw{Err: errors.New("tls: bad record")}, models.ClassProcessingError, ""},
		{"403 beats captcha body", Raw{StatusCode: 403, Body: `<div class="g-recaptcha">`}, models.ClassBlocked, ""},
		{"429", Raw{StatusCode: 429}, models.ClassBlocked, ""},
		{"recaptcha", Raw{StatusCode: 200, Body: `<div class="g-recaptcha"></div>`}, models.ClassCaptchaRequired, "reCAPTCHA"},
		{"hcaptcha", Raw{StatusCode: 200, Body: `<script src="https://hcaptcha.com/1/api.js">`}, models.ClassCaptchaRequired, "hCaptcha"},
		{"turnstile", Raw{StatusCode: 200, Body: `<div class="cf-turnstile">`}, models.ClassCaptchaRequired, "Cloudflare Turnstile"},
		{"unknown captcha", Raw{StatusCode: 200, Body: `Solve this CAPTCHA`}, models.ClassCaptchaRequired, "Unknown CAPTCHA"},
		{"captcha beats block phrase", Raw{StatusCode: 200, Body: "Access denied. g-recaptcha"}, models.ClassCaptchaRequired, "reCAPTCHA"},
		{"block phrase on 200", Raw{StatusCode: 200, Body: "<h1>Access Denied</h1>"}, models.ClassBlocked, ""},
		{"block phrase beats 5xx", Raw{StatusCode: 503, Body: "Too many requests"}, models.ClassBlocked, ""},
		{"server error", Raw{StatusCode: 502, Body: "bad gateway"}, models.ClassTargetError, ""},
		{"ok", Raw{StatusCode: 200, Body: "<html>hello</html>"}, models.ClassOK, ""},
		{"redirect", Raw{StatusCode: 301}, models.ClassOK, ""},
		{"not found", Raw{StatusCode: 404, Body: "nope"}, models.ClassProcessingError, ""},
		{"no status", Raw{}, models.ClassProcessingError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.raw)
			assert.Equal(t, tt.want, got.Class)
			assert.Equal(t, tt.captcha, got.CaptchaType)
		})
	}
}

func TestClassifyIsTotal(t *testing.T) {
	c := New(nil)
	valid := map[models.Classification]bool{}
	for _, cl := range models.Classifications {
		valid[cl] = true
	}
	bodies := []string{"", "ok", "captcha", "access denied", "\x00\xff"}
	for status := 0; status < 700; status += 7 {
		for _, body := range bodies {
			got := c.Classify(Raw{StatusCode: status, Body: body})
			assert.True(t, valid[got.Class], "status %d body %q gave %q", status, body, got.Class)
		}
	}
}

func TestCompileRejectsBadPattern(t *testing.T) {
	_, err := Compile(SignatureFile{Block: []string{"("}})
	assert.Error(t, err)

	_, err = Compile(SignatureFile{Captcha: []CaptchaSignature{{Patterns: []string{"x"}}}})
	assert.Error(t, err)
}

func TestSwapChangesBehaviour(t *testing.T) {
	c := New(nil)
	raw := Raw{StatusCode: 200, Body: "Our robots say no"}
	assert.Equal(t, models.ClassOK, c.Classify(raw).Class)

	sigs, err := Compile(SignatureFile{Block: []string{"robots say no"}})
	require.NoError(t, err)
	c.Swap(sigs)
	assert.Equal(t, models.ClassBlocked, c.Classify(raw).Class)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
captcha:
  - type: Custom
    patterns: ["puzzle-widget"]
block:
  - "go away"
`), 0o644))

	sigs, err := Load(path)
	require.NoError(t, err)
	c := New(sigs)
	assert.Equal(t, "Custom", c.Classify(Raw{StatusCode: 200, Body: "<div id=puzzle-widget>"}).CaptchaType)
	assert.Equal(t, models.ClassBlocked, c.Classify(Raw{StatusCode: 200, Body: "Go Away"}).Class)
	assert.Equal(t, models.ClassOK, c.Classify(Raw{StatusCode: 200, Body: "g-recaptcha"}).Class)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	require.NoError(t, os.WriteFile(path, []byte("block:\n  - \"first phrase\"\n"), 0o644))

	c := New(nil)
	require.NoError(t, Watch(c, path))
	assert.Equal(t, models.ClassBlocked, c.Classify(Raw{StatusCode: 200, Body: "first phrase"}).Class)

	require.NoError(t, os.WriteFile(path, []byte("block:\n  - \"second phrase\"\n"), 0o644))
	require.Eventually(t, func() bool {
		return c.Classify(Raw{StatusCode: 200, Body: "second phrase"}).Class == models.ClassBlocked
	}, 5*time.Second, 20*time.Millisecond)
}

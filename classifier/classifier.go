// Package classifier maps a raw engine response to exactly one
// models.Classification. The body signatures it matches against are data
// (see signatures.yaml) and can be swapped at runtime.
package classifier

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/use-agent/harvester/models"
)

// Raw is what an engine observed for one attempt.
type Raw struct {
	StatusCode int
	Body       string
	// Err is a transport-level failure; StatusCode and Body are ignored when set.
	Err error
	// Kind overrides the failure kind inferred from Err.
	Kind models.TransportErrorKind
}

// Result is the classification of one attempt.
type Result struct {
	Class       models.Classification
	CaptchaType string
	Reason      string
}

// Classifier is safe for concurrent use; Swap replaces its tables atomically.
type Classifier struct {
	sigs atomic.Pointer[Signatures]
}

// New returns a Classifier over sigs, or the built-in tables when sigs is nil.
func New(sigs *Signatures) *Classifier {
	if sigs == nil {
		sigs = Default()
	}
	c := &Classifier{}
	c.sigs.Store(sigs)
	return c
}

// Swap installs new signature tables.
func (c *Classifier) Swap(sigs *Signatures) {
	if sigs != nil {
		c.sigs.Store(sigs)
	}
}

// Classify applies the rules in priority order and returns the first match.
func (c *Classifier) Classify(raw Raw) Result {
	if raw.Err != nil || raw.Kind != models.TransportNone {
		kind := raw.Kind
		if kind == models.TransportNone {
			kind = KindOf(raw.Err)
		}
		switch kind {
		case models.TransportTimeout:
			return Result{Class: models.ClassTimeout, Reason: "transport timeout"}
		case models.TransportConnection:
			return Result{Class: models.ClassTargetError, Reason: "connection failure"}
		default:
			return Result{Class: models.ClassProcessingError, Reason: "transport failure"}
		}
	}

	switch raw.StatusCode {
	case 403, 429:
		return Result{Class: models.ClassBlocked, Reason: "status code"}
	}

	sigs := c.sigs.Load()
	if kind, ok := sigs.captchaType(raw.Body); ok {
		return Result{Class: models.ClassCaptchaRequired, CaptchaType: kind, Reason: "captcha signature"}
	}
	if pattern, ok := sigs.blockMatch(raw.Body); ok {
		return Result{Class: models.ClassBlocked, Reason: "block signature: " + pattern}
	}

	switch {
	case raw.StatusCode >= 500 && raw.StatusCode <= 599:
		return Result{Class: models.ClassTargetError, Reason: "server error"}
	case raw.StatusCode >= 200 && raw.StatusCode <= 399:
		return Result{Class: models.ClassOK}
	default:
		return Result{Class: models.ClassProcessingError, Reason: "unexpected status"}
	}
}

func (s *Signatures) captchaType(body string) (string, bool) {
	if body == "" {
		return "", false
	}
	for _, c := range s.captcha {
		for _, re := range c.patterns {
			if re.MatchString(body) {
				return c.kind, true
			}
		}
	}
	return "", false
}

func (s *Signatures) blockMatch(body string) (string, bool) {
	if body == "" {
		return "", false
	}
	for _, re := range s.block {
		if re.MatchString(body) {
			return re.String(), true
		}
	}
	return "", false
}

// KindOf infers the transport failure kind from err.
func KindOf(err error) models.TransportErrorKind {
	if err == nil {
		return models.TransportNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.TransportTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.TransportTimeout
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return models.TransportConnection
	}
	return models.TransportOther
}

package models

import "time"

// Classification is the closed-set label assigned to one execution attempt.
type Classification string

const (
	ClassOK              Classification = "ok"
	ClassBlocked         Classification = "blocked"
	ClassCaptchaRequired Classification = "captcha-required"
	ClassTargetError     Classification = "target-error"
	ClassTimeout         Classification = "timeout"
	ClassProcessingError Classification = "processing-error"
)

// Classifications lists every label in classifier priority order.
var Classifications = []Classification{
	ClassTimeout, ClassTargetError, ClassBlocked, ClassCaptchaRequired, ClassProcessingError, ClassOK,
}

// Retryable reports whether an attempt with this label may be requeued.
func (c Classification) Retryable() bool {
	switch c {
	case ClassBlocked, ClassTargetError, ClassTimeout, ClassProcessingError:
		return true
	}
	return false
}

// Escalates reports whether repeated failures with this label justify a
// stronger engine. A failing origin stays failing whatever engine asks.
// Only blocked (403, 429 or a block page) and timeout qualify: they are the
// two labels target defenses produce.
func (c Classification) Escalates() bool {
	return c == ClassBlocked || c == ClassTimeout
}

// ErrorCode maps a failure label to the job's terminal error code.
func (c Classification) ErrorCode() string {
	switch c {
	case ClassBlocked:
		return ErrCodeBlocked
	case ClassCaptchaRequired:
		return ErrCodeCaptchaRequired
	case ClassTimeout:
		return ErrCodeTimeout
	case ClassTargetError:
		return ErrCodeTargetError
	case ClassProcessingError:
		return ErrCodeProcessing
	}
	return ""
}

// TransportErrorKind distinguishes transport failures for classification.
type TransportErrorKind string

const (
	TransportNone       TransportErrorKind = ""
	TransportTimeout    TransportErrorKind = "timeout"
	TransportConnection TransportErrorKind = "connection"
	TransportOther      TransportErrorKind = "other"
)

// Timing is the duration breakdown of one attempt.
type Timing struct {
	TotalMs      int64 `json:"total_ms"`
	NavigationMs int64 `json:"navigation_ms,omitempty"`
	ScenarioMs   int64 `json:"scenario_ms,omitempty"`
}

// EngineOutcome is the transient result of one execution attempt.
type EngineOutcome struct {
	Success     bool                `json:"success"`
	StatusCode  int                 `json:"status_code,omitempty"`
	FinalURL    string              `json:"final_url,omitempty"`
	Content     string              `json:"content,omitempty"`
	ContentType string              `json:"content_type,omitempty"`
	Title       string              `json:"title,omitempty"`
	Headers     map[string]string   `json:"headers,omitempty"`
	Cookies     []Cookie            `json:"cookies,omitempty"`
	Extracted   map[string][]string `json:"extracted,omitempty"`
	Screenshot  []byte              `json:"-"`
	PDF         []byte              `json:"-"`

	// TransportError is set when the request never produced an HTTP response.
	TransportError     error              `json:"-"`
	TransportErrorKind TransportErrorKind `json:"-"`

	Classification Classification `json:"classification"`
	CaptchaType    string         `json:"captcha_type,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`

	// FingerprintID identifies the identity a browser attempt presented.
	FingerprintID string `json:"fingerprint_id,omitempty"`
	// FingerprintMismatches lists identity surfaces that did not read back as injected.
	FingerprintMismatches []string `json:"fingerprint_mismatches,omitempty"`

	Timing Timing `json:"timing"`
}

// Elapsed records the total duration since start.
func (o *EngineOutcome) Elapsed(start time.Time) {
	o.Timing.TotalMs = time.Since(start).Milliseconds()
}

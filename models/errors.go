package models

import (
	"errors"
	"fmt"
)

// Error codes used in API responses and job terminal errors.
const (
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeInvalidOptions     = "INVALID_OPTIONS"
	ErrCodeBatchTooLarge      = "BATCH_TOO_LARGE"
	ErrCodeInsufficientCredit = "INSUFFICIENT_CREDITS"
	ErrCodeInvalidAmount      = "INVALID_AMOUNT"
	ErrCodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	ErrCodeJobNotFound        = "JOB_NOT_FOUND"
	ErrCodeBatchNotFound      = "BATCH_NOT_FOUND"
	ErrCodeResultNotReady     = "RESULT_NOT_READY"
	ErrCodeNotCancelable      = "JOB_NOT_CANCELABLE"
	ErrCodeQueueUnavailable   = "QUEUE_UNAVAILABLE"
	ErrCodeStoreUnavailable   = "STORE_UNAVAILABLE"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternal           = "INTERNAL_ERROR"

	// Execution outcomes surfaced as a job's terminal error code.
	ErrCodeBlocked         = "BLOCKED"
	ErrCodeCaptchaRequired = "CAPTCHA_REQUIRED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeTargetError     = "TARGET_ERROR"
	ErrCodeProcessing      = "PROCESSING_ERROR"
	ErrCodeCanceled        = "CANCELED"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ScrapeError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type ScrapeError struct {
	Code    string
	Message string
	Details map[string]any
	Err     error // wrapped original error
}

func (e *ScrapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// Is matches another *ScrapeError by code, so errors.Is(err, ErrJobNotFound)
// works for any wrapped JOB_NOT_FOUND error.
func (e *ScrapeError) Is(target error) bool {
	t, ok := target.(*ScrapeError)
	return ok && t.Code == e.Code
}

// NewScrapeError creates a new ScrapeError.
func NewScrapeError(code, message string, err error) *ScrapeError {
	return &ScrapeError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *ScrapeError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message, Details: e.Details}
}

// Sentinels for errors.Is comparisons.
var (
	ErrJobNotFound     = &ScrapeError{Code: ErrCodeJobNotFound, Message: "job not found"}
	ErrBatchNotFound   = &ScrapeError{Code: ErrCodeBatchNotFound, Message: "batch not found"}
	ErrAccountNotFound = &ScrapeError{Code: ErrCodeAccountNotFound, Message: "account not found"}
	ErrResultNotReady  = &ScrapeError{Code: ErrCodeResultNotReady, Message: "result not available yet"}
)

// InsufficientCredits reports a reservation or charge the balance cannot cover.
func InsufficientCredits(required, available int64) *ScrapeError {
	return &ScrapeError{
		Code:    ErrCodeInsufficientCredit,
		Message: fmt.Sprintf("insufficient credits: required %d, available %d", required, available),
		Details: map[string]any{"required": required, "available": available},
	}
}

// BatchTooLarge reports a batch above the account's ceiling.
func BatchTooLarge(size, max int) *ScrapeError {
	return &ScrapeError{
		Code:    ErrCodeBatchTooLarge,
		Message: fmt.Sprintf("batch size %d exceeds maximum of %d", size, max),
		Details: map[string]any{"size": size, "max": max},
	}
}

// InvalidOptions reports a request that fails validation.
func InvalidOptions(format string, args ...any) *ScrapeError {
	return &ScrapeError{Code: ErrCodeInvalidOptions, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the ScrapeError code carried by err, or ErrCodeInternal.
func CodeOf(err error) string {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

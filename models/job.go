package models

import (
	"time"

	"gorm.io/datatypes"
)

// EngineType names one of the three fetch strategies.
type EngineType string

const (
	EngineHTTP    EngineType = "http"
	EngineBrowser EngineType = "browser"
	EngineStealth EngineType = "stealth"

	// EngineAuto lets admission pick the engine from the options.
	EngineAuto EngineType = "auto"
)

// Engines lists the concrete engines from weakest to strongest.
var Engines = []EngineType{EngineHTTP, EngineBrowser, EngineStealth}

// Rank orders engines by capability: http < browser < stealth.
// Unknown engines rank below http.
func (e EngineType) Rank() int {
	for i, x := range Engines {
		if x == e {
			return i
		}
	}
	return -1
}

// Next returns the next stronger engine, or false when e is already the strongest.
func (e EngineType) Next() (EngineType, bool) {
	r := e.Rank()
	if r < 0 || r+1 >= len(Engines) {
		return e, false
	}
	return Engines[r+1], true
}

// Browser reports whether the engine drives a real browser and consumes a fingerprint.
func (e EngineType) Browser() bool {
	return e == EngineBrowser || e == EngineStealth
}

// ProxyTier is the class of egress proxy a job uses.
type ProxyTier string

const (
	ProxyDatacenter  ProxyTier = "datacenter"
	ProxyResidential ProxyTier = "residential"
	ProxyISP         ProxyTier = "isp"
	ProxyMobile      ProxyTier = "mobile"
)

// ProxyTiers lists every tier.
var ProxyTiers = []ProxyTier{ProxyDatacenter, ProxyResidential, ProxyISP, ProxyMobile}

// Valid reports whether t is a known tier.
func (t ProxyTier) Valid() bool {
	for _, x := range ProxyTiers {
		if x == t {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
	StatusTimeout   JobStatus = "timeout"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTimeout:
		return true
	}
	return false
}

// Cancelable reports whether a cancel request moves the job straight to canceled.
func (s JobStatus) Cancelable() bool {
	return s == StatusPending || s == StatusQueued
}

var transitions = map[JobStatus][]JobStatus{
	StatusPending: {StatusQueued, StatusFailed, StatusCanceled},
	StatusQueued:  {StatusRunning, StatusCanceled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusPending, StatusFailed, StatusCanceled, StatusTimeout, StatusRunning},
}

// CanTransition reports whether from → to is a legal job state change.
// running → running covers a reclaim after an expired lease.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one client request to fetch a page, tracked across attempts.
type Job struct {
	ID             string  `gorm:"primaryKey;size:36" json:"id"`
	AccountID      string  `gorm:"size:64;not null;index;uniqueIndex:idx_jobs_account_idem,priority:1" json:"account_id"`
	BatchID        *string `gorm:"size:36;index" json:"batch_id,omitempty"`
	IdempotencyKey *string `gorm:"size:255;uniqueIndex:idx_jobs_account_idem,priority:2" json:"idempotency_key,omitempty"`

	URL     string                                `gorm:"size:2048;not null" json:"url"`
	Method  string                                `gorm:"size:10;not null" json:"method"`
	Headers datatypes.JSONType[map[string]string] `json:"headers,omitempty"`
	Body    string                                `json:"body,omitempty"`

	Engine    EngineType                  `gorm:"size:16;not null" json:"engine"`
	ProxyTier ProxyTier                   `gorm:"size:16;not null" json:"proxy_tier"`
	Options   datatypes.JSONType[Options] `json:"options"`

	Status      JobStatus `gorm:"size:16;not null;index" json:"status"`
	Attempt     int       `gorm:"not null" json:"attempt"`
	MaxAttempts int       `gorm:"not null" json:"max_attempts"`

	CreditsEstimated int64 `gorm:"not null" json:"credits_estimated"`
	CreditsCharged   int64 `gorm:"not null" json:"credits_charged"`

	LastClassification   Classification                   `gorm:"size:32" json:"last_classification,omitempty"`
	ClassificationStreak int                              `json:"-"`
	EngineHistory        datatypes.JSONType[[]EngineType] `json:"engine_history"`
	FingerprintID        string                           `gorm:"size:32" json:"fingerprint_id,omitempty"`

	ClaimToken      string     `gorm:"size:36" json:"-"`
	LeaseExpiresAt  *time.Time `json:"-"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`

	ErrorCode    string `gorm:"size:64" json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	WebhookURL      string `gorm:"size:2048" json:"webhook_url,omitempty"`
	WebhookSecret   string `gorm:"size:256" json:"-"`
	ClientReference string `gorm:"size:255" json:"client_reference,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Error returns the job's terminal error, or nil.
func (j *Job) Error() *ErrorDetail {
	if j.ErrorCode == "" {
		return nil
	}
	return &ErrorDetail{Code: j.ErrorCode, Message: j.ErrorMessage}
}

// JobResult is the stored projection of a job's successful attempt.
type JobResult struct {
	JobID          string                                  `gorm:"primaryKey;size:36" json:"job_id"`
	AccountID      string                                  `gorm:"size:64;not null;index" json:"account_id"`
	StatusCode     int                                     `json:"status_code"`
	FinalURL       string                                  `gorm:"size:2048" json:"final_url"`
	Content        string                                  `json:"content"`
	ContentType    string                                  `gorm:"size:128" json:"content_type,omitempty"`
	Format         string                                  `gorm:"size:16" json:"format"`
	Title          string                                  `json:"title,omitempty"`
	Headers        datatypes.JSONType[map[string]string]   `json:"headers,omitempty"`
	Cookies        datatypes.JSONType[[]Cookie]            `json:"cookies,omitempty"`
	Extracted      datatypes.JSONType[map[string][]string] `json:"extracted,omitempty"`
	Screenshot     []byte                                  `json:"screenshot,omitempty"`
	PDF            []byte                                  `json:"pdf,omitempty"`
	Engine         EngineType                              `gorm:"size:16" json:"engine"`
	Attempts       int                                     `json:"attempts"`
	CreditsCharged int64                                   `json:"credits_charged"`
	DurationMs     int64                                   `json:"duration_ms"`
	CreatedAt      time.Time                               `json:"created_at"`
}

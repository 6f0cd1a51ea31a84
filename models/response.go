package models

import "time"

// CreateJobResponse is the response for POST /v1/jobs.
type CreateJobResponse struct {
	JobID            string     `json:"job_id"`
	Status           JobStatus  `json:"status"`
	CreditsEstimated int64      `json:"credits_estimated"`
	Engine           EngineType `json:"engine"`
}

// BatchResponse is the response for POST /v1/batch.
type BatchResponse struct {
	BatchID string              `json:"batch_id"`
	Jobs    []CreateJobResponse `json:"jobs"`
}

// JobView is the public projection of a Job.
type JobView struct {
	ID               string       `json:"id"`
	BatchID          string       `json:"batch_id,omitempty"`
	URL              string       `json:"url"`
	Status           JobStatus    `json:"status"`
	Engine           EngineType   `json:"engine"`
	ProxyTier        ProxyTier    `json:"proxy_tier"`
	Attempt          int          `json:"attempt"`
	MaxAttempts      int          `json:"max_attempts"`
	CreditsEstimated int64        `json:"credits_estimated"`
	CreditsCharged   int64        `json:"credits_charged"`
	ClientReference  string       `json:"client_reference,omitempty"`
	Error            *ErrorDetail `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// ViewOf projects a Job for API callers. Internal fields stay out.
func ViewOf(j *Job) JobView {
	v := JobView{
		ID:               j.ID,
		URL:              j.URL,
		Status:           j.Status,
		Engine:           j.Engine,
		ProxyTier:        j.ProxyTier,
		Attempt:          j.Attempt,
		MaxAttempts:      j.MaxAttempts,
		CreditsEstimated: j.CreditsEstimated,
		CreditsCharged:   j.CreditsCharged,
		ClientReference:  j.ClientReference,
		Error:            j.Error(),
		CreatedAt:        j.CreatedAt,
		CompletedAt:      j.CompletedAt,
	}
	if j.BatchID != nil {
		v.BatchID = *j.BatchID
	}
	return v
}

// BatchStatusResponse is the response for GET /v1/batch/:id.
type BatchStatusResponse struct {
	BatchID   string    `json:"batch_id"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
	Jobs      []JobView `json:"jobs"`
}

// CancelResponse is the response for POST /v1/jobs/:id/cancel.
type CancelResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// BalanceResponse is the response for GET /v1/account/balance.
type BalanceResponse struct {
	AccountID  string `json:"account_id"`
	Plan       Plan   `json:"plan"`
	Balance    int64  `json:"balance"`
	CycleUsage int64  `json:"cycle_usage"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string               `json:"status"` // "healthy" or "degraded"
	Uptime  string               `json:"uptime"`
	Pools   map[EngineType]int64 `json:"pools"`  // in-flight attempts per engine
	Checks  map[string]string    `json:"checks"` // dependency name -> "ok" or error
	Version string               `json:"version"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error *ErrorDetail `json:"error"`
}

package models

// JobRequest is the payload for POST /v1/jobs and one element of a batch.
type JobRequest struct {
	// URL is the target page. Required, absolute http(s).
	URL string `json:"url"`

	// Method defaults to GET.
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// Engine forces a fetch strategy. Allowed: "auto" (default), "http", "browser", "stealth".
	Engine EngineType `json:"engine,omitempty"`

	Options *OptionsInput `json:"options,omitempty"`

	WebhookURL      string `json:"webhook_url,omitempty"`
	WebhookSecret   string `json:"webhook_secret,omitempty"`
	ClientReference string `json:"client_reference,omitempty"`

	// IdempotencyKey makes repeated submissions return the first job. Unique per account.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Defaults applies default values to unset fields.
func (r *JobRequest) Defaults() {
	if r.Method == "" {
		r.Method = "GET"
	}
	if r.Engine == "" {
		r.Engine = EngineAuto
	}
}

// BatchRequest is the payload for POST /v1/batch.
type BatchRequest struct {
	Requests []JobRequest `json:"requests"`

	// Shared notification settings, used when a request leaves them empty.
	WebhookURL      string `json:"webhook_url,omitempty"`
	WebhookSecret   string `json:"webhook_secret,omitempty"`
	ClientReference string `json:"client_reference,omitempty"`
}

// Defaults fills per-request defaults and copies shared batch fields down.
func (b *BatchRequest) Defaults() {
	for i := range b.Requests {
		r := &b.Requests[i]
		r.Defaults()
		if r.WebhookURL == "" {
			r.WebhookURL = b.WebhookURL
		}
		if r.WebhookSecret == "" {
			r.WebhookSecret = b.WebhookSecret
		}
		if r.ClientReference == "" {
			r.ClientReference = b.ClientReference
		}
	}
}

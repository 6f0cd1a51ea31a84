// Package webhook tells clients when their jobs reach a terminal state.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/use-agent/harvester/models"
)

// SignatureHeader carries the HMAC-SHA256 of the body when the job has a secret.
const SignatureHeader = "X-Harvester-Signature"

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string            `json:"type"` // "job.completed", "job.failed", "job.canceled", "job.timeout"
	JobID     string            `json:"job_id"`
	Timestamp int64             `json:"timestamp"`
	Job       models.JobView    `json:"job"`
	Result    *models.JobResult `json:"result,omitempty"`
}

// EventFor builds the terminal event of job. result is nil unless the job completed.
func EventFor(job *models.Job, result *models.JobResult, at time.Time) *Event {
	return &Event{
		Type:      "job." + string(job.Status),
		JobID:     job.ID,
		Timestamp: at.Unix(),
		Job:       models.ViewOf(job),
		Result:    result,
	}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver sends a webhook event synchronously.
func Deliver(ctx context.Context, client *http.Client, url, secret string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Harvester-Webhook/1.0")
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// DefaultDelays are the waits before each delivery attempt.
var DefaultDelays = []time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second}

// Notifier delivers terminal events in the background.
type Notifier struct {
	client  *http.Client
	timeout time.Duration
	delays  []time.Duration
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier whose deliveries each time out after timeout.
func NewNotifier(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		delays:  DefaultDelays,
	}
}

// Notify queues delivery of job's terminal event. Jobs without a webhook
// URL are ignored.
func (n *Notifier) Notify(ctx context.Context, job *models.Job, result *models.JobResult) {
	if n == nil || job.WebhookURL == "" {
		return
	}
	event := EventFor(job, result, time.Now())
	url, secret := job.WebhookURL, job.WebhookSecret

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx := context.WithoutCancel(ctx)
		for attempt, delay := range n.delays {
			if delay > 0 {
				time.Sleep(delay)
			}
			dctx, cancel := context.WithTimeout(ctx, n.timeout)
			err := Deliver(dctx, n.client, url, secret, event)
			cancel()
			if err == nil {
				slog.Info("webhook delivered",
					"url", url,
					"event", event.Type,
					"job_id", event.JobID,
					"attempt", attempt+1,
				)
				return
			}
			slog.Warn("webhook delivery failed",
				"url", url,
				"event", event.Type,
				"job_id", event.JobID,
				"attempt", attempt+1,
				"error", err,
			)
		}
		slog.Error("webhook delivery exhausted all retries",
			"url", url,
			"event", event.Type,
			"job_id", event.JobID,
		)
	}()
}

// Wait blocks until every queued delivery finished or gave up.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

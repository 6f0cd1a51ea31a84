// Package jobs admits scrape requests as jobs and serves their state to
// clients. Admission is all-or-nothing: a request that fails validation,
// pricing or reservation leaves no job and no ledger entry behind.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/ledger"
	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/pricing"
	"github.com/use-agent/harvester/queue"
	"github.com/use-agent/harvester/store"
)

// Enqueuer publishes job attempts to the engine channels.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message, delay time.Duration) error
}

// Notifier is told about jobs that end during admission or on cancel.
type Notifier interface {
	Notify(ctx context.Context, job *models.Job, result *models.JobResult)
}

// ErrQueueUnavailable is returned when an admitted job could not be enqueued.
// The job is failed and its credits released before this is returned.
var ErrQueueUnavailable = &models.ScrapeError{Code: models.ErrCodeQueueUnavailable, Message: "job queue unavailable, try again later"}

// Router is the admission path for new jobs.
type Router struct {
	db       *gorm.DB
	broker   Enqueuer
	prices   pricing.Table
	limits   config.AdmissionConfig
	defaults models.Options
	notifier Notifier
	now      func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterClock overrides the router's clock.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// WithDefaults overrides the options every job starts from.
func WithDefaults(opts models.Options) RouterOption {
	return func(r *Router) { r.defaults = opts }
}

// WithNotifier reports jobs that fail closed at admission to n.
func WithNotifier(n Notifier) RouterOption {
	return func(r *Router) { r.notifier = n }
}

// NewRouter creates a Router.
func NewRouter(db *gorm.DB, broker Enqueuer, prices pricing.Table, limits config.AdmissionConfig, opts ...RouterOption) *Router {
	r := &Router{
		db:       db,
		broker:   broker,
		prices:   prices,
		limits:   limits,
		defaults: models.DefaultOptions(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// plan is a validated, priced request ready to persist.
type plan struct {
	job      *models.Job
	existing bool
}

// prepare validates and prices req without touching the store.
func (r *Router) prepare(accountID string, req models.JobRequest) (*models.Job, error) {
	req.Defaults()
	req.Method = strings.ToUpper(req.Method)
	if err := validateRequest(&req, r.limits); err != nil {
		return nil, err
	}

	opts := models.MergeOptions(r.defaults, req.Options)
	engine := pricing.SelectEngine(req.Engine, opts)
	if err := validateOptions(opts, engine, req.Method, r.limits); err != nil {
		return nil, err
	}
	tier := pricing.SelectProxyTier(opts)
	est := r.prices.Estimate(engine, tier, opts)

	maxAttempts := r.limits.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := r.now()
	job := &models.Job{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		URL:              req.URL,
		Method:           req.Method,
		Headers:          datatypes.NewJSONType(nonNilHeaders(req.Headers)),
		Body:             req.Body,
		Engine:           engine,
		ProxyTier:        tier,
		Options:          datatypes.NewJSONType(opts),
		Status:           models.StatusPending,
		Attempt:          1,
		MaxAttempts:      maxAttempts,
		CreditsEstimated: est.Total,
		EngineHistory:    datatypes.NewJSONType([]models.EngineType{}),
		WebhookURL:       req.WebhookURL,
		WebhookSecret:    req.WebhookSecret,
		ClientReference:  req.ClientReference,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		job.IdempotencyKey = &key
	}
	return job, nil
}

// Submit admits one job.
func (r *Router) Submit(ctx context.Context, accountID string, req models.JobRequest) (*models.CreateJobResponse, error) {
	job, err := r.prepare(accountID, req)
	if err != nil {
		return nil, err
	}

	if existing, err := r.findExisting(ctx, job); err != nil || existing != nil {
		return responseOf(existing), err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.persist(ctx, tx, job)
	})
	if errors.Is(err, store.ErrDuplicateJob) {
		// Lost a race with a concurrent submit of the same key.
		existing, ferr := r.findExisting(ctx, job)
		if ferr != nil {
			return nil, ferr
		}
		if existing != nil {
			return responseOf(existing), nil
		}
	}
	if err != nil {
		return nil, err
	}

	if err := r.enqueue(ctx, job); err != nil {
		return nil, err
	}
	slog.Info("job admitted",
		"job_id", job.ID,
		"account_id", accountID,
		"engine", job.Engine,
		"proxy_tier", job.ProxyTier,
		"credits", job.CreditsEstimated,
	)
	return responseOf(job), nil
}

// SubmitBatch admits every request or none. Requests whose idempotency key
// already has a job, or repeats a key used earlier in the batch, are returned
// as that job and not charged again.
func (r *Router) SubmitBatch(ctx context.Context, accountID string, req models.BatchRequest) (*models.BatchResponse, error) {
	req.Defaults()
	if len(req.Requests) == 0 {
		return nil, models.InvalidOptions("batch has no requests")
	}

	acct, err := ledger.New(r.db).Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	ceiling := acct.MaxBatchSize
	if ceiling <= 0 {
		ceiling = r.limits.DefaultBatch
	}
	if len(req.Requests) > ceiling {
		return nil, models.BatchTooLarge(len(req.Requests), ceiling)
	}

	batchID := uuid.NewString()
	plans := make([]plan, len(req.Requests))
	firstByKey := make(map[string]int)
	var total int64
	for i, jr := range req.Requests {
		job, err := r.prepare(accountID, jr)
		if err != nil {
			return nil, withIndex(err, i)
		}
		if key := job.IdempotencyKey; key != nil {
			if first, dup := firstByKey[*key]; dup {
				plans[i] = plan{job: plans[first].job, existing: true}
				continue
			}
			firstByKey[*key] = i
		}
		existing, err := r.findExisting(ctx, job)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			plans[i] = plan{job: existing, existing: true}
			continue
		}
		job.BatchID = &batchID
		plans[i] = plan{job: job}
		total += job.CreditsEstimated
	}
	if acct.Balance < total {
		return nil, models.InsufficientCredits(total, acct.Balance)
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range plans {
			if p.existing {
				continue
			}
			if err := r.persist(ctx, tx, p.job); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrDuplicateJob) {
		// A concurrent request took one of the keys after the lookup above.
		return nil, models.InvalidOptions("idempotency key is being used by a concurrent request")
	}
	if err != nil {
		return nil, err
	}

	for _, p := range plans {
		if p.existing {
			continue
		}
		if err := r.enqueue(ctx, p.job); err != nil {
			r.abortBatch(ctx, batchID, plans)
			return nil, err
		}
	}

	resp := &models.BatchResponse{BatchID: batchID, Jobs: make([]models.CreateJobResponse, len(plans))}
	for i, p := range plans {
		resp.Jobs[i] = *responseOf(p.job)
	}
	slog.Info("batch admitted", "batch_id", batchID, "account_id", accountID, "jobs", len(plans), "credits", total)
	return resp, nil
}

// abortBatch fails closed every new job of a batch that no worker has
// claimed yet. Jobs already running keep their hold and finish normally.
func (r *Router) abortBatch(ctx context.Context, batchID string, plans []plan) {
	running := 0
	for _, p := range plans {
		if p.existing || p.job.Status == models.StatusFailed {
			continue
		}
		failed, err := r.failClosed(ctx, p.job)
		if err != nil {
			slog.Error("fail-closed transition failed", "job_id", p.job.ID, "batch_id", batchID, "error", err)
			continue
		}
		if !failed {
			running++
		}
	}
	slog.Warn("batch aborted, queue unavailable", "batch_id", batchID, "jobs", len(plans), "already_running", running)
}

// persist writes job as pending and reserves its estimate inside tx.
func (r *Router) persist(ctx context.Context, tx *gorm.DB, job *models.Job) error {
	if err := store.NewJobs(tx).Create(ctx, job); err != nil {
		return err
	}
	if _, err := ledger.New(tx).Reserve(ctx, job.AccountID, job.CreditsEstimated, job.ID); err != nil {
		return err
	}
	return nil
}

// enqueue publishes attempt 1 and marks the job queued. When the broker
// refuses, the job fails closed: it is failed and its hold released together.
func (r *Router) enqueue(ctx context.Context, job *models.Job) error {
	msg := queue.Message{JobID: job.ID, AccountID: job.AccountID, Attempt: job.Attempt, Engine: job.Engine, EnqueuedAt: r.now()}
	if err := r.broker.Enqueue(ctx, msg, 0); err != nil {
		slog.Error("enqueue failed, failing job", "job_id", job.ID, "engine", job.Engine, "error", err)
		if _, ferr := r.failClosed(ctx, job); ferr != nil {
			// The janitor requeues pending jobs whose enqueue was lost.
			slog.Error("fail-closed transition failed", "job_id", job.ID, "error", ferr)
		}
		return ErrQueueUnavailable
	}

	now := r.now()
	ok, err := store.NewJobs(r.db).MarkQueued(ctx, job.ID, job.Attempt, now)
	if err != nil {
		// The message is out; a worker can still claim a pending job.
		slog.Warn("mark queued failed", "job_id", job.ID, "error", err)
	}
	if ok {
		job.Status = models.StatusQueued
		job.QueuedAt = &now
	}
	return nil
}

// failClosed fails an unclaimed job and releases its hold together, then
// notifies. It reports false when a worker claimed the job first.
func (r *Router) failClosed(ctx context.Context, job *models.Job) (bool, error) {
	now := r.now()
	var failed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := store.NewJobs(tx).FailUnclaimed(ctx, job.ID, models.ErrCodeQueueUnavailable, ErrQueueUnavailable.Message, now)
		if err != nil || !ok {
			return err
		}
		l := ledger.New(tx)
		held, err := l.Reserved(ctx, job.ID)
		if err != nil {
			return err
		}
		if held > 0 {
			if _, err := l.Release(ctx, job.AccountID, held, job.ID); err != nil {
				return err
			}
		}
		failed = true
		return nil
	})
	if err != nil || !failed {
		return false, err
	}

	job.Status = models.StatusFailed
	job.IdempotencyKey = nil
	job.ErrorCode = models.ErrCodeQueueUnavailable
	job.ErrorMessage = ErrQueueUnavailable.Message
	job.CompletedAt = &now
	job.UpdatedAt = now
	if r.notifier != nil {
		r.notifier.Notify(ctx, job, nil)
	}
	return true, nil
}

func (r *Router) findExisting(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.IdempotencyKey == nil {
		return nil, nil
	}
	return store.NewJobs(r.db).FindByIdempotencyKey(ctx, job.AccountID, *job.IdempotencyKey)
}

func responseOf(job *models.Job) *models.CreateJobResponse {
	if job == nil {
		return nil
	}
	return &models.CreateJobResponse{
		JobID:            job.ID,
		Status:           job.Status,
		CreditsEstimated: job.CreditsEstimated,
		Engine:           job.Engine,
	}
}

// withIndex tags a validation error with the batch position it came from.
func withIndex(err error, i int) error {
	var se *models.ScrapeError
	if !errors.As(err, &se) {
		return fmt.Errorf("request %d: %w", i, err)
	}
	details := map[string]any{"index": i}
	for k, v := range se.Details {
		details[k] = v
	}
	return &models.ScrapeError{
		Code:    se.Code,
		Message: fmt.Sprintf("request %d: %s", i, se.Message),
		Details: details,
		Err:     se.Err,
	}
}

func nonNilHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/use-agent/harvester/classifier"
	"github.com/use-agent/harvester/cleaner"
	"github.com/use-agent/harvester/engine"
	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/proxy"
	"github.com/use-agent/harvester/queue"
	"github.com/use-agent/harvester/store"
)

// Consumer is the broker surface a pool reads from.
type Consumer interface {
	Dequeue(ctx context.Context, engine models.EngineType, lease time.Duration) (*queue.Delivery, error)
	Extend(ctx context.Context, d *queue.Delivery, lease time.Duration) error
	Ack(ctx context.Context, d *queue.Delivery) error
}

// PoolConfig sizes one engine's pool.
type PoolConfig struct {
	Concurrency int
	// LeaseGrace is added to a job's timeout to form its claim lease. It is
	// also the broker lease between dequeue and claim.
	LeaseGrace time.Duration
	// PollInterval is the idle wait after an empty dequeue.
	PollInterval time.Duration
	// Proxies picks egress per attempt; nil means every attempt goes direct.
	Proxies *proxy.Manager
}

// Pool runs one engine's attempts with bounded concurrency. Each worker
// dequeues, claims, executes, classifies and hands the attempt to the
// coordinator before acking the delivery.
type Pool struct {
	engine     engine.Engine
	broker     Consumer
	db         *gorm.DB
	coord      *Coordinator
	classifier *classifier.Classifier
	cleaner    *cleaner.Cleaner
	cfg        PoolConfig
	inflight   atomic.Int64
	now        func() time.Time
}

// NewPool creates a Pool for eng.
func NewPool(eng engine.Engine, broker Consumer, db *gorm.DB, coord *Coordinator, cls *classifier.Classifier, cl *cleaner.Cleaner, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseGrace <= 0 {
		cfg.LeaseGrace = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Pool{
		engine:     eng,
		broker:     broker,
		db:         db,
		coord:      coord,
		classifier: cls,
		cleaner:    cl,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Engine returns the engine this pool runs.
func (p *Pool) Engine() models.EngineType { return p.engine.Type() }

// InFlight returns the number of attempts currently executing.
func (p *Pool) InFlight() int64 { return p.inflight.Load() }

// Run starts the workers and blocks until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
	slog.Info("pool started", "engine", p.Engine(), "concurrency", p.cfg.Concurrency)
	err := g.Wait()
	slog.Info("pool stopped", "engine", p.Engine())
	return err
}

func (p *Pool) work(ctx context.Context) {
	for ctx.Err() == nil {
		handled, err := p.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("pool poll failed", "engine", p.Engine(), "error", err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// lease is a visibility window long enough for an attempt of timeout.
func (p *Pool) lease(timeout time.Duration) time.Duration {
	return timeout + p.cfg.LeaseGrace
}

// Poll dequeues and processes at most one delivery. It reports whether a
// delivery was found.
func (p *Pool) Poll(ctx context.Context) (bool, error) {
	d, err := p.broker.Dequeue(ctx, p.Engine(), p.cfg.LeaseGrace)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	if err := p.process(ctx, d); err != nil {
		return true, err
	}
	return true, nil
}

func (p *Pool) process(ctx context.Context, d *queue.Delivery) error {
	now := p.now()
	token := uuid.NewString()
	jobs := store.NewJobs(p.db)

	job, err := jobs.Get(ctx, d.JobID)
	if errors.Is(err, models.ErrJobNotFound) {
		return p.ack(ctx, d)
	}
	if err != nil {
		return err
	}
	opts := job.Options.Data()

	lease := p.lease(opts.Timeout())
	claimed, ok, err := jobs.Claim(ctx, d.JobID, d.Attempt, token, now.Add(lease), now)
	if err != nil {
		return err
	}
	if !ok {
		return p.unclaimable(ctx, d, now)
	}
	job = claimed

	// The broker lease must outlive the claim, or the delivery is reclaimed
	// mid-attempt.
	if err := p.broker.Extend(ctx, d, lease); err != nil {
		slog.Warn("broker lease not extended", "job_id", job.ID, "attempt", job.Attempt, "error", err)
	}

	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	sel, proxied := p.selectProxy(job, opts)
	start := time.Now()
	out := p.execute(ctx, job, opts, sel)
	if ctx.Err() != nil {
		// Shutting down: leave the delivery leased so it is redelivered.
		return ctx.Err()
	}

	res := p.classifier.Classify(classifier.Raw{
		StatusCode: out.StatusCode,
		Body:       out.Content,
		Err:        out.TransportError,
		Kind:       out.TransportErrorKind,
	})
	attempt := Attempt{
		Job:           job,
		Token:         token,
		Class:         res.Class,
		Reason:        reason(res, out),
		FingerprintID: out.FingerprintID,
	}
	if res.Class == models.ClassOK {
		result, err := p.project(job, opts, out, time.Since(start))
		if err != nil {
			attempt.Class = models.ClassProcessingError
			attempt.Reason = err.Error()
		} else {
			attempt.Result = result
		}
	}

	if proxied {
		p.reportProxy(sel, res, out)
	}

	decision, err := p.coord.Finish(ctx, attempt)
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			slog.Warn("claim lost before resolve", "job_id", job.ID, "attempt", job.Attempt, "engine", p.Engine())
			return p.ack(ctx, d)
		}
		return fmt.Errorf("resolve %s: %w", d.Key(), err)
	}
	if proxied && decision.Terminal() {
		p.cfg.Proxies.Release(job.ID)
	}
	return p.ack(ctx, d)
}

// unclaimable settles a delivery whose claim failed. A stale attempt is
// dropped. A live claim by another worker keeps the delivery leased until
// that claim's lease lapses, so it returns if that worker dies. A job
// canceled while its worker was lost is finished here.
func (p *Pool) unclaimable(ctx context.Context, d *queue.Delivery, now time.Time) error {
	job, err := store.NewJobs(p.db).Get(ctx, d.JobID)
	if errors.Is(err, models.ErrJobNotFound) {
		return p.ack(ctx, d)
	}
	if err != nil {
		return err
	}
	if job.Status == models.StatusRunning && job.Attempt == d.Attempt &&
		job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
		return p.broker.Extend(ctx, d, job.LeaseExpiresAt.Sub(now)+p.cfg.LeaseGrace)
	}
	if job.CancelRequested {
		if _, err := p.coord.CancelAbandoned(ctx, job.ID); err != nil {
			return err
		}
	}
	slog.Debug("delivery not claimable", "job_id", d.JobID, "attempt", d.Attempt, "status", job.Status, "engine", p.Engine())
	return p.ack(ctx, d)
}

// selectProxy picks the attempt's egress. Attempts of one job share a
// sticky session keyed by the job ID.
func (p *Pool) selectProxy(job *models.Job, opts models.Options) (proxy.Selection, bool) {
	if p.cfg.Proxies == nil {
		return proxy.Selection{}, false
	}
	return p.cfg.Proxies.Select(proxy.Request{Tier: job.ProxyTier, Country: opts.Country, Session: job.ID})
}

// reportProxy feeds the attempt's outcome back into provider health.
func (p *Pool) reportProxy(sel proxy.Selection, res classifier.Result, out *models.EngineOutcome) {
	kind := out.TransportErrorKind
	if kind == models.TransportNone {
		kind = classifier.KindOf(out.TransportError)
	}
	switch {
	case res.Class == models.ClassOK:
		p.cfg.Proxies.ReportSuccess(sel)
	case res.Class == models.ClassBlocked, res.Class == models.ClassCaptchaRequired:
		p.cfg.Proxies.ReportFailure(sel, string(res.Class))
	case kind == models.TransportConnection:
		p.cfg.Proxies.ReportFailure(sel, "connection failure")
	}
}

// execute runs the engine under the job's timeout. The slot is released at
// the deadline even if the engine has not unwound yet.
func (p *Pool) execute(ctx context.Context, job *models.Job, opts models.Options, sel proxy.Selection) *models.EngineOutcome {
	execCtx, cancel := context.WithTimeout(ctx, opts.Timeout())
	defer cancel()

	req := &engine.Request{
		JobID:        job.ID,
		Attempt:      job.Attempt,
		URL:          job.URL,
		Method:       job.Method,
		Headers:      job.Headers.Data(),
		Body:         job.Body,
		Options:      opts,
		ProxyURL:     sel.URL,
		ProxySession: sel.Token,
		Fingerprint:  opts.Fingerprint,
	}

	done := make(chan *models.EngineOutcome, 1)
	go func() { done <- p.engine.Execute(execCtx, req) }()

	select {
	case out := <-done:
		return out
	case <-execCtx.Done():
		return &models.EngineOutcome{
			TransportError:     fmt.Errorf("%s: %w", p.Engine(), execCtx.Err()),
			TransportErrorKind: models.TransportTimeout,
		}
	}
}

// project builds the stored result of a successful attempt.
func (p *Pool) project(job *models.Job, opts models.Options, out *models.EngineOutcome, took time.Duration) (*models.JobResult, error) {
	finalURL := out.FinalURL
	if finalURL == "" {
		finalURL = job.URL
	}
	content, err := p.cleaner.Format(out.Content, finalURL, opts.Format)
	if err != nil {
		return nil, fmt.Errorf("format %s: %w", opts.Format, err)
	}
	extracted := out.Extracted
	if extracted == nil && len(opts.Extract) > 0 {
		if extracted, err = cleaner.ExtractFields(out.Content, opts.Extract); err != nil {
			return nil, fmt.Errorf("extract: %w", err)
		}
	}
	return &models.JobResult{
		JobID:       job.ID,
		AccountID:   job.AccountID,
		StatusCode:  out.StatusCode,
		FinalURL:    finalURL,
		Content:     content,
		ContentType: out.ContentType,
		Format:      opts.Format,
		Title:       out.Title,
		Headers:     datatypes.NewJSONType(orEmpty(out.Headers)),
		Cookies:     datatypes.NewJSONType(orEmptySlice(out.Cookies)),
		Extracted:   datatypes.NewJSONType(orEmpty(extracted)),
		Screenshot:  out.Screenshot,
		PDF:         out.PDF,
		Engine:      job.Engine,
		Attempts:    job.Attempt,
		DurationMs:  took.Milliseconds(),
		CreatedAt:   p.now(),
	}, nil
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery) error {
	if err := p.broker.Ack(ctx, d); err != nil {
		return fmt.Errorf("ack %s: %w", d.Key(), err)
	}
	return nil
}

// reason is the human-readable cause stored on a failed attempt.
func reason(res classifier.Result, out *models.EngineOutcome) string {
	switch {
	case res.Class == models.ClassOK:
		return ""
	case out.ErrorMessage != "":
		return out.ErrorMessage
	case res.Class == models.ClassCaptchaRequired && res.CaptchaType != "":
		return "captcha required: " + res.CaptchaType
	case out.StatusCode != 0:
		return fmt.Sprintf("%s (status %d)", res.Reason, out.StatusCode)
	}
	return res.Reason
}

func orEmpty[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

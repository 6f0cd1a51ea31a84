// Package dispatch runs claimed job attempts on their engines and decides
// what happens after each one: complete, retry, escalate or terminate.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/ledger"
	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/pricing"
	"github.com/use-agent/harvester/queue"
	"github.com/use-agent/harvester/store"
)

// ErrClaimLost is returned when another worker took over the attempt.
var ErrClaimLost = errors.New("dispatch: claim lost")

// Action is what the coordinator does with a finished attempt.
type Action string

const (
	ActionComplete Action = "complete"
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
	ActionFail     Action = "fail"
	ActionTimeout  Action = "timeout"
	ActionCancel   Action = "cancel"
)

// Decision is the pure outcome of Decide.
type Decision struct {
	Action Action
	// Engine runs the next attempt. It equals the job's engine unless escalating.
	Engine models.EngineType
	// Streak counts consecutive attempts with the same classification on the current engine.
	Streak int
}

// Terminal reports whether the decision ends the job.
func (d Decision) Terminal() bool {
	return d.Action != ActionRetry && d.Action != ActionEscalate
}

// Status is the job status the decision moves to.
func (d Decision) Status() models.JobStatus {
	switch d.Action {
	case ActionComplete:
		return models.StatusCompleted
	case ActionRetry, ActionEscalate:
		return models.StatusPending
	case ActionTimeout:
		return models.StatusTimeout
	case ActionCancel:
		return models.StatusCanceled
	}
	return models.StatusFailed
}

// EscalateAfter is how many consecutive attempts must share an escalating
// classification before the job moves to a stronger engine.
const EscalateAfter = 2

// Decide maps a job and the classification of its latest attempt to the
// next step. It reads the job's streak and cancel flag but changes nothing.
func Decide(job *models.Job, class models.Classification) Decision {
	streak := 1
	if job.LastClassification == class {
		streak = job.ClassificationStreak + 1
	}
	d := Decision{Engine: job.Engine, Streak: streak}

	switch {
	case class == models.ClassOK:
		d.Action = ActionComplete
	case !class.Retryable():
		d.Action = ActionFail
	case job.CancelRequested:
		d.Action = ActionCancel
	case job.Attempt >= job.MaxAttempts:
		d.Action = ActionFail
		if class == models.ClassTimeout {
			d.Action = ActionTimeout
		}
	default:
		d.Action = ActionRetry
		if next, ok := escalation(job, class, streak); ok {
			d.Action = ActionEscalate
			d.Engine = next
		}
	}
	return d
}

// escalation returns the stronger engine a retry should move to, if any.
func escalation(job *models.Job, class models.Classification, streak int) (models.EngineType, bool) {
	if !class.Escalates() || streak < EscalateAfter {
		return job.Engine, false
	}
	next, ok := job.Engine.Next()
	if !ok {
		return job.Engine, false
	}
	// Browsers navigate; they cannot replay a request body.
	if next.Browser() && job.Method != "GET" {
		return job.Engine, false
	}
	return next, true
}

// Backoff returns the delay before retry attempt+1 of a job whose attempt
// just failed: base·2^(attempt−1) capped at max, spread by ±jitter.
func Backoff(cfg config.RetryConfig, attempt int, r float64) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	limit := cfg.MaxDelay
	if limit <= 0 {
		limit = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(limit) {
		d = float64(limit)
	}
	d *= 1 + cfg.Jitter*(2*r-1)
	return time.Duration(d)
}

// Enqueuer publishes retry attempts.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message, delay time.Duration) error
}

// Notifier is told about every job that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, job *models.Job, result *models.JobResult)
}

// Attempt is a finished attempt handed to the coordinator.
type Attempt struct {
	Job   *models.Job
	Token string
	Class models.Classification
	// Reason explains a failure classification; it becomes the job's error message.
	Reason string
	// Result is the projection to persist when Class is ok.
	Result        *models.JobResult
	FingerprintID string
}

// Coordinator applies decisions. Every status change and its ledger entries
// commit in one transaction conditioned on the attempt's claim token.
type Coordinator struct {
	db       *gorm.DB
	broker   Enqueuer
	notifier Notifier
	prices   pricing.Table
	retry    config.RetryConfig
	rand     func() float64
	now      func() time.Time
}

// NewCoordinator creates a Coordinator. notifier may be nil.
func NewCoordinator(db *gorm.DB, broker Enqueuer, notifier Notifier, prices pricing.Table, retry config.RetryConfig) *Coordinator {
	return &Coordinator{
		db:       db,
		broker:   broker,
		notifier: notifier,
		prices:   prices,
		retry:    retry,
		rand:     rand.Float64,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Finish resolves an attempt. It returns the applied decision, or
// ErrClaimLost when the attempt no longer owns the job.
func (c *Coordinator) Finish(ctx context.Context, a Attempt) (Decision, error) {
	var (
		d   Decision
		job *models.Job
	)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		jobs := store.NewJobs(tx)
		var err error
		job, err = jobs.Get(ctx, a.Job.ID)
		if err != nil {
			return err
		}
		if job.Status != models.StatusRunning || job.ClaimToken != a.Token || job.Attempt != a.Job.Attempt {
			return ErrClaimLost
		}

		d = Decide(job, a.Class)
		l := ledger.New(tx)
		now := c.now()
		updates := map[string]any{
			"last_classification":   a.Class,
			"classification_streak": d.Streak,
			"updated_at":            now,
		}
		if a.FingerprintID != "" {
			updates["fingerprint_id"] = a.FingerprintID
		}

		switch d.Action {
		case ActionComplete:
			held, err := l.Reserved(ctx, job.ID)
			if err != nil {
				return err
			}
			if a.Result != nil {
				a.Result.CreditsCharged = held
				if err := store.NewResults(tx).Save(ctx, a.Result); err != nil {
					return err
				}
			}
			if held > 0 {
				if _, err := l.Settle(ctx, job.AccountID, held, job.ID); err != nil {
					return err
				}
			}
			updates["credits_charged"] = held
			updates["completed_at"] = now
			updates["error_code"] = ""
			updates["error_message"] = ""
			job.CreditsCharged = held

		case ActionRetry, ActionEscalate:
			if d.Action == ActionEscalate {
				if err := c.escalate(ctx, l, job, d.Engine, updates); err != nil {
					if models.CodeOf(err) != models.ErrCodeInsufficientCredit {
						return err
					}
					slog.Warn("escalation unaffordable, retrying on current engine",
						"job_id", job.ID, "engine", job.Engine, "target", d.Engine)
					d.Action = ActionRetry
					d.Engine = job.Engine
				} else {
					// A fresh engine starts a fresh streak.
					updates["classification_streak"] = 0
				}
			}
			updates["attempt"] = job.Attempt + 1
			updates["engine"] = d.Engine
			updates["error_code"] = a.Class.ErrorCode()
			updates["error_message"] = a.Reason

		default:
			held, err := l.Reserved(ctx, job.ID)
			if err != nil {
				return err
			}
			if held > 0 {
				if _, err := l.Release(ctx, job.AccountID, held, job.ID); err != nil {
					return err
				}
			}
			code, msg := a.Class.ErrorCode(), a.Reason
			if d.Action == ActionCancel {
				code, msg = models.ErrCodeCanceled, "job canceled by client"
			}
			if msg == "" {
				msg = string(a.Class)
			}
			updates["error_code"] = code
			updates["error_message"] = msg
			updates["completed_at"] = now
		}

		ok, err := jobs.Transition(ctx, job.ID, a.Token, d.Status(), updates)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClaimLost
		}
		job, err = jobs.Get(ctx, job.ID)
		return err
	})
	if err != nil {
		return Decision{}, err
	}

	slog.Info("attempt resolved",
		"job_id", job.ID,
		"attempt", a.Job.Attempt,
		"engine", a.Job.Engine,
		"classification", a.Class,
		"action", d.Action,
		"next_engine", d.Engine,
	)

	if d.Terminal() {
		if c.notifier != nil {
			var result *models.JobResult
			if d.Action == ActionComplete {
				result = a.Result
			}
			c.notifier.Notify(ctx, job, result)
		}
		return d, nil
	}
	c.requeue(ctx, job)
	return d, nil
}

// CancelAbandoned terminates a job the client canceled while no worker can
// finish it anymore: it is flagged for cancel and its lease has run out.
// The hold is released in the same transaction. It reports false when the
// job is still owned or already final.
func (c *Coordinator) CancelAbandoned(ctx context.Context, jobID string) (bool, error) {
	var job *models.Job
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		jobs := store.NewJobs(tx)
		ok, err := jobs.CancelAbandoned(ctx, jobID, c.now())
		if err != nil || !ok {
			return err
		}
		j, err := jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		l := ledger.New(tx)
		held, err := l.Reserved(ctx, j.ID)
		if err != nil {
			return err
		}
		if held > 0 {
			if _, err := l.Release(ctx, j.AccountID, held, j.ID); err != nil {
				return err
			}
		}
		job = j
		return nil
	})
	if err != nil || job == nil {
		return false, err
	}

	slog.Info("abandoned job canceled", "job_id", job.ID, "attempt", job.Attempt, "engine", job.Engine)
	if c.notifier != nil {
		c.notifier.Notify(ctx, job, nil)
	}
	return true, nil
}

// escalate re-prices job on engine and reserves the difference.
func (c *Coordinator) escalate(ctx context.Context, l *ledger.Ledger, job *models.Job, engine models.EngineType, updates map[string]any) error {
	est := c.prices.Estimate(engine, job.ProxyTier, job.Options.Data())
	delta := est.Total - job.CreditsEstimated
	if delta > 0 {
		if _, err := l.Reserve(ctx, job.AccountID, delta, job.ID); err != nil {
			return err
		}
		updates["credits_estimated"] = est.Total
	}
	updates["engine_history"] = datatypes.NewJSONType(append(job.EngineHistory.Data(), job.Engine))
	return nil
}

// requeue publishes the job's next attempt after its backoff. A failed
// publish leaves the job pending for the janitor to pick up.
func (c *Coordinator) requeue(ctx context.Context, job *models.Job) {
	now := c.now()
	delay := Backoff(c.retry, job.Attempt-1, c.rand())
	msg := queue.Message{JobID: job.ID, AccountID: job.AccountID, Attempt: job.Attempt, Engine: job.Engine, EnqueuedAt: now}
	if err := c.broker.Enqueue(ctx, msg, delay); err != nil {
		slog.Error("requeue failed, leaving job pending", "job_id", job.ID, "attempt", job.Attempt, "error", err)
		return
	}
	if _, err := store.NewJobs(c.db).MarkQueued(ctx, job.ID, job.Attempt, now); err != nil {
		slog.Warn("mark queued failed", "job_id", job.ID, "error", err)
	}
}

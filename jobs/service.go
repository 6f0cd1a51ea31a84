package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/use-agent/harvester/cache"
	"github.com/use-agent/harvester/ledger"
	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/store"
)

// ErrNotCancelable is returned when cancel targets a job that already finished.
var ErrNotCancelable = &models.ScrapeError{Code: models.ErrCodeNotCancelable, Message: "job already finished"}

const defaultPollInterval = 250 * time.Millisecond

// Service answers client queries about jobs an account owns.
type Service struct {
	db       *gorm.DB
	results  *cache.Cache
	poll     time.Duration
	notifier Notifier
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// NotifyCancels reports jobs canceled before a worker claimed them to n.
func NotifyCancels(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// NewService creates a Service. results may be nil to read every result from the store.
func NewService(db *gorm.DB, results *cache.Cache, poll time.Duration, opts ...ServiceOption) *Service {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	s := &Service{db: db, results: results, poll: poll, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the job if accountID owns it.
func (s *Service) Get(ctx context.Context, accountID, jobID string) (*models.Job, error) {
	return store.NewJobs(s.db).GetForAccount(ctx, accountID, jobID)
}

// Result returns the stored result of a completed job. Jobs that have not
// completed, or completed without success, report RESULT_NOT_READY with the
// job status in the details.
func (s *Service) Result(ctx context.Context, accountID, jobID string) (*models.JobResult, error) {
	if r, ok := s.results.Get(jobID); ok && r.AccountID == accountID {
		return r, nil
	}
	job, err := s.Get(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusCompleted {
		return nil, notReady(job)
	}
	r, err := store.NewResults(s.db).Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.results.Set(r)
	return r, nil
}

// Wait polls until the job is terminal or wait elapses, then behaves like
// Result. A zero wait does not poll.
func (s *Service) Wait(ctx context.Context, accountID, jobID string, wait time.Duration) (*models.JobResult, error) {
	if wait <= 0 {
		return s.Result(ctx, accountID, jobID)
	}
	if err := s.waitTerminal(ctx, accountID, jobID, wait); err != nil {
		return nil, err
	}
	return s.Result(ctx, accountID, jobID)
}

func (s *Service) waitTerminal(ctx context.Context, accountID, jobID string, wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, accountID, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
}

// Cancel cancels a waiting job and releases its hold in one transaction.
// A running job is flagged instead; its worker terminates it as canceled
// unless the in-flight attempt succeeds.
func (s *Service) Cancel(ctx context.Context, accountID, jobID string) (*models.CancelResponse, error) {
	job, err := s.Get(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}

	switch {
	case job.Status.Cancelable():
		var canceled bool
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ok, err := store.NewJobs(tx).Cancel(ctx, job.ID, s.now())
			if err != nil || !ok {
				return err
			}
			canceled = true
			l := ledger.New(tx)
			held, err := l.Reserved(ctx, job.ID)
			if err != nil {
				return err
			}
			if held > 0 {
				_, err = l.Release(ctx, job.AccountID, held, job.ID)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		if canceled {
			slog.Info("job canceled", "job_id", job.ID, "account_id", accountID)
			s.notifyCanceled(ctx, job.ID)
			return &models.CancelResponse{JobID: job.ID, Status: models.StatusCanceled}, nil
		}
		// A worker claimed it between the read and the update.
		return s.Cancel(ctx, accountID, jobID)

	case job.Status == models.StatusRunning:
		ok, err := store.NewJobs(s.db).RequestCancel(ctx, job.ID, s.now())
		if err != nil {
			return nil, err
		}
		if !ok {
			return s.Cancel(ctx, accountID, jobID)
		}
		slog.Info("cancel requested for running job", "job_id", job.ID, "account_id", accountID)
		return &models.CancelResponse{JobID: job.ID, Status: models.StatusRunning}, nil
	}

	return nil, &models.ScrapeError{
		Code:    ErrNotCancelable.Code,
		Message: ErrNotCancelable.Message,
		Details: map[string]any{"status": job.Status},
	}
}

func (s *Service) notifyCanceled(ctx context.Context, jobID string) {
	if s.notifier == nil {
		return
	}
	job, err := store.NewJobs(s.db).Get(ctx, jobID)
	if err != nil {
		slog.Warn("load canceled job failed", "job_id", jobID, "error", err)
		return
	}
	s.notifier.Notify(ctx, job, nil)
}

// BatchStatus summarises the jobs of one batch.
func (s *Service) BatchStatus(ctx context.Context, accountID, batchID string) (*models.BatchStatusResponse, error) {
	jobs, err := store.NewJobs(s.db).ListBatch(ctx, accountID, batchID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, models.ErrBatchNotFound
	}
	resp := &models.BatchStatusResponse{BatchID: batchID, Total: len(jobs), Jobs: make([]models.JobView, len(jobs))}
	for i := range jobs {
		switch jobs[i].Status {
		case models.StatusCompleted:
			resp.Completed++
		case models.StatusFailed, models.StatusCanceled, models.StatusTimeout:
			resp.Failed++
		default:
			resp.Pending++
		}
		resp.Jobs[i] = models.ViewOf(&jobs[i])
	}
	return resp, nil
}

// Balance returns the account's spendable credits.
func (s *Service) Balance(ctx context.Context, accountID string) (*models.BalanceResponse, error) {
	acct, err := ledger.New(s.db).Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &models.BalanceResponse{
		AccountID:  acct.ID,
		Plan:       acct.Plan,
		Balance:    acct.Balance,
		CycleUsage: acct.CycleUsage,
	}, nil
}

func notReady(job *models.Job) error {
	details := map[string]any{"status": job.Status}
	if job.ErrorCode != "" {
		details["error_code"] = job.ErrorCode
	}
	return &models.ScrapeError{
		Code:    models.ErrResultNotReady.Code,
		Message: models.ErrResultNotReady.Message,
		Details: details,
	}
}

// IsNotReady reports whether err means the result is not available yet.
func IsNotReady(err error) bool {
	return errors.Is(err, models.ErrResultNotReady)
}

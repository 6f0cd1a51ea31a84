package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/use-agent/harvester/models"
)

// ErrDuplicateJob is returned when a job with the same (account, idempotency key) exists.
var ErrDuplicateJob = errors.New("store: duplicate idempotency key")

// Jobs is the job repository.
type Jobs struct {
	db *gorm.DB
}

// NewJobs returns a repository over db, which may be a transaction.
func NewJobs(db *gorm.DB) *Jobs {
	return &Jobs{db: db}
}

// WithTx returns a repository bound to tx.
func (s *Jobs) WithTx(tx *gorm.DB) *Jobs {
	return &Jobs{db: tx}
}

// Create inserts a new job.
func (s *Jobs) Create(ctx context.Context, job *models.Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (s *Jobs) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return &job, nil
}

// GetForAccount loads a job only if accountID owns it.
func (s *Jobs) GetForAccount(ctx context.Context, accountID, id string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).First(&job, "id = ? AND account_id = ?", id, accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return &job, nil
}

// FindByIdempotencyKey returns the job for (accountID, key), or nil if none.
func (s *Jobs) FindByIdempotencyKey(ctx context.Context, accountID, key string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, key).
		Limit(1).Find(&job).Error
	if err != nil {
		return nil, fmt.Errorf("store: find by idempotency key: %w", err)
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// ListBatch returns a batch's jobs in creation order.
func (s *Jobs) ListBatch(ctx context.Context, accountID, batchID string) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND batch_id = ?", accountID, batchID).
		Order("created_at ASC, id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list batch: %w", err)
	}
	return jobs, nil
}

// MarkQueued moves a pending attempt to queued. It reports false when the job
// already left pending (claimed or canceled), which is not an error.
func (s *Jobs) MarkQueued(ctx context.Context, id string, attempt int, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND attempt = ? AND status = ?", id, attempt, models.StatusPending).
		Updates(map[string]any{"status": models.StatusQueued, "queued_at": now, "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("store: mark queued: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Claim gives one worker exclusive ownership of an attempt. It succeeds when
// the attempt is waiting (pending or queued) or when a previous claim's lease
// has expired. The returned job carries the new claim token.
func (s *Jobs) Claim(ctx context.Context, id string, attempt int, token string, leaseUntil, now time.Time) (*models.Job, bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND attempt = ? AND cancel_requested = ?", id, attempt, false).
		Where(
			s.db.Where("status IN ?", []models.JobStatus{models.StatusPending, models.StatusQueued}).
				Or("status = ? AND lease_expires_at < ?", models.StatusRunning, now),
		).
		Updates(map[string]any{
			"status":           models.StatusRunning,
			"claim_token":      token,
			"lease_expires_at": leaseUntil,
			"started_at":       now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("store: claim job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// Transition applies updates to a running job only while token still owns it.
// It reports false when the claim was lost.
func (s *Jobs) Transition(ctx context.Context, id, token string, to models.JobStatus, updates map[string]any) (bool, error) {
	if !models.CanTransition(models.StatusRunning, to) {
		return false, fmt.Errorf("store: illegal transition running -> %s", to)
	}
	values := map[string]any{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	if to.Terminal() || to == models.StatusPending {
		values["claim_token"] = ""
		values["lease_expires_at"] = nil
	}
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND claim_token = ? AND status = ?", id, token, models.StatusRunning).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("store: transition job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Cancel moves a pending or queued job to canceled. It reports false when the
// job was in any other state.
func (s *Jobs) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, []models.JobStatus{models.StatusPending, models.StatusQueued}).
		Updates(map[string]any{
			"status":        models.StatusCanceled,
			"error_code":    models.ErrCodeCanceled,
			"error_message": "job canceled by client",
			"completed_at":  now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: cancel job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RequestCancel flags a running job so it is not requeued.
func (s *Jobs) RequestCancel(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.StatusRunning).
		Updates(map[string]any{"cancel_requested": true, "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("store: request cancel: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FailUnclaimed terminates a job no worker has claimed yet, e.g. when the
// broker rejected its enqueue. The idempotency key is cleared so a client
// retrying with the same key is admitted afresh.
func (s *Jobs) FailUnclaimed(ctx context.Context, id, code, message string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, []models.JobStatus{models.StatusPending, models.StatusQueued}).
		Updates(map[string]any{
			"status":          models.StatusFailed,
			"idempotency_key": nil,
			"error_code":      code,
			"error_message":   message,
			"completed_at":    now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: fail unclaimed job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CancelAbandoned cancels a running job that was asked to cancel and whose
// claim lease ran out before now. It reports false for any other job.
func (s *Jobs) CancelAbandoned(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND cancel_requested = ? AND lease_expires_at < ?", id, models.StatusRunning, true, now).
		Updates(map[string]any{
			"status":           models.StatusCanceled,
			"claim_token":      "",
			"lease_expires_at": nil,
			"error_code":       models.ErrCodeCanceled,
			"error_message":    "job canceled by client",
			"completed_at":     now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: cancel abandoned job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Abandoned returns running jobs flagged for cancel whose lease expired
// before cutoff.
func (s *Jobs) Abandoned(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND cancel_requested = ? AND lease_expires_at < ?", models.StatusRunning, true, cutoff).
		Order("lease_expires_at ASC").Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list abandoned jobs: %w", err)
	}
	return jobs, nil
}

// Stale returns pending jobs older than cutoff, which lost their enqueue.
func (s *Jobs) Stale(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.StatusPending, cutoff).
		Order("updated_at ASC").Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list stale jobs: %w", err)
	}
	return jobs, nil
}

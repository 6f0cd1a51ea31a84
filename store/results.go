package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/use-agent/harvester/models"
)

// Results stores one JobResult per completed job.
type Results struct {
	db *gorm.DB
}

// NewResults returns a result repository over db.
func NewResults(db *gorm.DB) *Results {
	return &Results{db: db}
}

// WithTx returns a repository bound to tx.
func (s *Results) WithTx(tx *gorm.DB) *Results {
	return &Results{db: tx}
}

// Save writes r. A second save for the same job is ignored.
func (s *Results) Save(ctx context.Context, r *models.JobResult) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(r).Error
	if err != nil {
		return fmt.Errorf("store: save result: %w", err)
	}
	return nil
}

// Get loads the result of jobID.
func (s *Results) Get(ctx context.Context, jobID string) (*models.JobResult, error) {
	var r models.JobResult
	if err := s.db.WithContext(ctx).First(&r, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrResultNotReady
		}
		return nil, fmt.Errorf("store: get result: %w", err)
	}
	return &r, nil
}

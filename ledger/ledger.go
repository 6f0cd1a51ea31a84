// Package ledger implements the credit accounting primitives. Every operation
// runs in one transaction holding the account row lock, so balance changes and
// their ledger entries commit or roll back together.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/use-agent/harvester/models"
)

// ErrInvalidAmount is returned for non-positive amounts where a positive one is required.
var ErrInvalidAmount = &models.ScrapeError{Code: models.ErrCodeInvalidAmount, Message: "amount must be positive"}

// Ledger applies credit movements to accounts.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a Ledger over db. db may be an open transaction, in which case
// every operation nests inside it as a savepoint.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// WithTx returns a Ledger bound to tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, now: l.now}
}

// movement describes one balance change computed under the row lock.
type movement struct {
	amount     int64
	usageDelta int64
	resetUsage bool
	settled    int64
}

// Reserve places a hold of amount credits for jobID.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount int64, jobID string) (*models.CreditLedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, accountID, models.EntryReservation, jobID, "reservation", func(a *models.Account) (movement, error) {
		if a.Balance < amount {
			return movement{}, models.InsufficientCredits(amount, a.Balance)
		}
		return movement{amount: -amount}, nil
	})
}

// Release returns an unconsumed hold to the balance.
func (l *Ledger) Release(ctx context.Context, accountID string, amount int64, jobID string) (*models.CreditLedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, accountID, models.EntryRelease, jobID, "reservation released", func(*models.Account) (movement, error) {
		return movement{amount: amount}, nil
	})
}

// Deduct charges amount directly, without a prior reservation. jobID may be empty.
func (l *Ledger) Deduct(ctx context.Context, accountID string, amount int64, jobID string) (*models.CreditLedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, accountID, models.EntryDeduction, jobID, "direct charge", func(a *models.Account) (movement, error) {
		if a.Balance < amount {
			return movement{}, models.InsufficientCredits(amount, a.Balance)
		}
		return movement{amount: -amount, usageDelta: amount}, nil
	})
}

// Settle converts jobID's reservation of amount credits into a charge. The
// hold already left the balance, so the deduction entry moves zero credits
// and records the settled amount in its metadata.
func (l *Ledger) Settle(ctx context.Context, accountID string, amount int64, jobID string) (*models.CreditLedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, accountID, models.EntryDeduction, jobID, "reservation settled", func(*models.Account) (movement, error) {
		return movement{usageDelta: amount, settled: amount}, nil
	})
}

// Allocate grants plan credits.
func (l *Ledger) Allocate(ctx context.Context, accountID string, amount int64) (*models.CreditLedgerEntry, error) {
	return l.credit(ctx, accountID, amount, models.EntryAllocation, "plan allocation")
}

// Purchase adds bought credits.
func (l *Ledger) Purchase(ctx context.Context, accountID string, amount int64) (*models.CreditLedgerEntry, error) {
	return l.credit(ctx, accountID, amount, models.EntryPurchase, "credit purchase")
}

func (l *Ledger) credit(ctx context.Context, accountID string, amount int64, typ models.EntryType, desc string) (*models.CreditLedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, accountID, typ, "", desc, func(*models.Account) (movement, error) {
		return movement{amount: amount}, nil
	})
}

// Adjust applies an administrative correction. The result may not go negative.
func (l *Ledger) Adjust(ctx context.Context, accountID string, signedAmount int64, reason string) (*models.CreditLedgerEntry, error) {
	if signedAmount == 0 {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, accountID, models.EntryAdjustment, "", reason, func(a *models.Account) (movement, error) {
		if a.Balance+signedAmount < 0 {
			return movement{}, models.InsufficientCredits(-signedAmount, a.Balance)
		}
		return movement{amount: signedAmount}, nil
	})
}

// ResetCycle overwrites the balance with newAllocation and zeroes cycle usage.
// The reset entry carries the delta so entries still sum to the balance.
func (l *Ledger) ResetCycle(ctx context.Context, accountID string, newAllocation int64) (*models.CreditLedgerEntry, error) {
	if newAllocation < 0 {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, accountID, models.EntryReset, "", "billing cycle reset", func(a *models.Account) (movement, error) {
		return movement{amount: newAllocation - a.Balance, resetUsage: true}, nil
	})
}

// EnsureAccount creates accountID with an initial allocation if it does not exist.
func (l *Ledger) EnsureAccount(ctx context.Context, accountID string, plan models.Plan, initial int64, maxBatch int) (*models.Account, error) {
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct := models.Account{ID: accountID, Plan: plan, MaxBatchSize: maxBatch}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acct)
		if res.Error != nil {
			return fmt.Errorf("ledger: create account: %w", res.Error)
		}
		if res.RowsAffected == 0 || initial <= 0 {
			return nil
		}
		_, err := l.WithTx(tx).Allocate(ctx, accountID, initial)
		return err
	})
	if err != nil {
		return nil, err
	}
	return l.Account(ctx, accountID)
}

// Account returns the account row without locking it.
func (l *Ledger) Account(ctx context.Context, accountID string) (*models.Account, error) {
	var acct models.Account
	if err := l.db.WithContext(ctx).First(&acct, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("ledger: load account: %w", err)
	}
	return &acct, nil
}

// Entries returns an account's entries oldest first. limit <= 0 returns all.
func (l *Ledger) Entries(ctx context.Context, accountID string, limit int) ([]models.CreditLedgerEntry, error) {
	q := l.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.CreditLedgerEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	return entries, nil
}

// JobEntries returns the entries referencing jobID, oldest first.
func (l *Ledger) JobEntries(ctx context.Context, jobID string) ([]models.CreditLedgerEntry, error) {
	var entries []models.CreditLedgerEntry
	err := l.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id ASC").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list job entries: %w", err)
	}
	return entries, nil
}

// Reserved returns the credits jobID still holds: reservations minus releases
// minus settlements. Zero means every hold has been resolved.
func (l *Ledger) Reserved(ctx context.Context, jobID string) (int64, error) {
	entries, err := l.JobEntries(ctx, jobID)
	if err != nil {
		return 0, err
	}
	var held int64
	for _, e := range entries {
		switch e.Type {
		case models.EntryReservation, models.EntryRelease:
			held -= e.Amount
		case models.EntryDeduction:
			held -= settledAmount(e.Metadata)
		}
	}
	return held, nil
}

// settledAmount reads the "settled" metadata value, which decodes as
// json.Number or float64 depending on the driver.
func settledAmount(meta map[string]any) int64 {
	switch v := meta["settled"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Sum returns the total of an account's entry amounts.
func (l *Ledger) Sum(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).Model(&models.CreditLedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: sum entries: %w", err)
	}
	return total, nil
}

func (l *Ledger) apply(ctx context.Context, accountID string, typ models.EntryType, jobID, desc string, compute func(*models.Account) (movement, error)) (*models.CreditLedgerEntry, error) {
	var entry *models.CreditLedgerEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct models.Account
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&acct, "id = ?", accountID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("ledger: lock account: %w", err)
		}

		m, err := compute(&acct)
		if err != nil {
			return err
		}

		before := acct.Balance
		after := before + m.amount
		usage := acct.CycleUsage + m.usageDelta
		if m.resetUsage {
			usage = 0
		}
		now := l.now()

		err = tx.Model(&models.Account{}).Where("id = ?", accountID).Updates(map[string]any{
			"balance":     after,
			"cycle_usage": usage,
			"updated_at":  now,
		}).Error
		if err != nil {
			return fmt.Errorf("ledger: update balance: %w", err)
		}

		entry = &models.CreditLedgerEntry{
			ID:            ulid.Make().String(),
			AccountID:     accountID,
			Type:          typ,
			Amount:        m.amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			Description:   desc,
			CreatedAt:     now,
		}
		if jobID != "" {
			entry.JobID = &jobID
		}
		if m.settled > 0 {
			entry.Metadata = map[string]any{"settled": m.settled}
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("ledger: write entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

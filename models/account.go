package models

import (
	"time"

	"gorm.io/datatypes"
)

// EntryType is the kind of credit ledger movement.
type EntryType string

const (
	EntryAllocation  EntryType = "allocation"
	EntryDeduction   EntryType = "deduction"
	EntryReservation EntryType = "reservation"
	EntryRelease     EntryType = "release"
	EntryPurchase    EntryType = "purchase"
	EntryAdjustment  EntryType = "adjustment"
	EntryReset       EntryType = "reset"
)

// Plan names the subscription tier an account is on.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanGrowth     Plan = "growth"
	PlanBusiness   Plan = "business"
	PlanEnterprise Plan = "enterprise"
)

// Account holds an account's spendable credits. Only the ledger writes it.
type Account struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	Plan         Plan      `gorm:"size:32;not null;default:free" json:"plan"`
	Balance      int64     `gorm:"not null;default:0" json:"balance"`
	CycleUsage   int64     `gorm:"not null;default:0" json:"cycle_usage"`
	MaxBatchSize int       `gorm:"not null;default:100" json:"max_batch_size"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreditLedgerEntry is one immutable balance movement.
// BalanceAfter always equals BalanceBefore + Amount.
type CreditLedgerEntry struct {
	ID            string            `gorm:"primaryKey;size:26" json:"id"`
	AccountID     string            `gorm:"size:64;not null;index" json:"account_id"`
	Type          EntryType         `gorm:"size:16;not null" json:"type"`
	Amount        int64             `gorm:"not null" json:"amount"`
	BalanceBefore int64             `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64             `gorm:"not null" json:"balance_after"`
	JobID         *string           `gorm:"size:36;index" json:"job_id,omitempty"`
	Description   string            `json:"description,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// TableName pins the table name used by raw queries.
func (CreditLedgerEntry) TableName() string { return "credit_ledger_entries" }

package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Status string

const (
	StatusTrial   Status = "trial"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Account is the per-user billing projection. Counters only grow; the
// ledger_entries log is authoritative.
type Account struct {
	UserID                 string     `json:"user_id" gorm:"primaryKey;type:varchar(128)"`
	Status                 Status     `json:"status" gorm:"type:varchar(16);not null;default:trial;index:idx_accounts_status_paid_until,priority:1"`
	TrialUnitsUsed         int64      `json:"trial_units_used" gorm:"not null;default:0"`
	TrialUnitsLimit        int64      `json:"trial_units_limit" gorm:"not null"`
	TrialStartedAt         time.Time  `json:"trial_started_at" gorm:"not null"`
	PaidUntil              *time.Time `json:"paid_until,omitempty" gorm:"index:idx_accounts_status_paid_until,priority:2"`
	LifetimeUnitsPurchased int64      `json:"lifetime_units_purchased" gorm:"not null;default:0"`
	CreatedAt              time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time  `json:"updated_at" gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// TrialRemaining never goes negative even though usage may overrun the limit.
func (a Account) TrialRemaining() int64 {
	return max(a.TrialUnitsLimit-a.TrialUnitsUsed, 0)
}

// Repository methods take the handle to run on so callers can pass a transaction.
type Repository interface {
	Find(ctx context.Context, db *gorm.DB, userID string) (*Account, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, userID string) (*Account, error)
	Insert(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	AddTrialUnits(ctx context.Context, db *gorm.DB, userID string, units int64, now time.Time) error
	AddPurchasedUnits(ctx context.Context, db *gorm.DB, userID string, units int64, now time.Time) error
	SetSubscription(ctx context.Context, db *gorm.DB, userID string, paidUntil time.Time, now time.Time) error
	ListLapsed(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error)
	ExpireLapsed(ctx context.Context, db *gorm.DB, userIDs []string, now time.Time) (int64, error)
	Delete(ctx context.Context, db *gorm.DB, userID string) (bool, error)
}

package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type EntryType string

const (
	EntryTypeUsage    EntryType = "usage"
	EntryTypePurchase EntryType = "purchase"
)

// LedgerEntry is an immutable, signed balance event. Debits carry cost and
// model details; credits carry the price paid.
type LedgerEntry struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	UserID      string       `json:"user_id" gorm:"type:varchar(128);not null;index:idx_ledger_entries_user_created,priority:1"`
	EntryType   EntryType    `json:"entry_type" gorm:"type:varchar(16);not null"`
	Amount      int64        `json:"amount" gorm:"not null"`
	CostCents   *int64       `json:"cost_cents,omitempty"`
	PriceCents  *int64       `json:"price_cents,omitempty"`
	Provider    *string      `json:"provider,omitempty" gorm:"type:varchar(64)"`
	Model       *string      `json:"model,omitempty" gorm:"type:varchar(128)"`
	InputUnits  *int64       `json:"input_units,omitempty"`
	OutputUnits *int64       `json:"output_units,omitempty"`
	Description string       `json:"description" gorm:"type:text;not null;default:''"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null;index:idx_ledger_entries_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// IdempotencyRecord marks an external payment reference as applied. It is
// written in the same transaction as the credit it guards and kept after the
// account is deleted.
type IdempotencyRecord struct {
	ExternalReference string       `json:"external_reference" gorm:"primaryKey;type:varchar(255)"`
	UserID            string       `json:"user_id" gorm:"type:varchar(128);not null;index"`
	LedgerEntryID     snowflake.ID `json:"ledger_entry_id" gorm:"not null"`
	AppliedAt         time.Time    `json:"applied_at" gorm:"not null"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

type AccessResult string

const (
	AccessAllowed             AccessResult = "allowed"
	AccessTrialExhausted      AccessResult = "trial_exhausted"
	AccessTrialExpired        AccessResult = "trial_expired"
	AccessSubscriptionExpired AccessResult = "subscription_expired"
	AccessUnknownAccount      AccessResult = "unknown_account"
)

func (r AccessResult) Allowed() bool { return r == AccessAllowed }

type UsageRequest struct {
	UserID      string
	Provider    string
	Model       string
	InputUnits  int64
	OutputUnits int64
	Description string
}

type PurchaseRequest struct {
	UserID            string
	Units             int64
	PriceCents        int64
	ExternalReference string
	Description       string
}

// PurchaseResult reports Applied=false when the reference was already used.
type PurchaseResult struct {
	Applied bool
	EntryID snowflake.ID
}

// SubscriptionPurchase credits units and extends the subscription behind a
// single idempotency record.
type SubscriptionPurchase struct {
	PurchaseRequest
	Days int
}

type SubscriptionPurchaseResult struct {
	PurchaseResult
	PaidUntil *time.Time
}

type EntryFilter string

const (
	EntryFilterAll    EntryFilter = "all"
	EntryFilterUsage  EntryFilter = "usage"
	EntryFilterCredit EntryFilter = "purchase"
)

type ListEntriesRequest struct {
	UserID    string
	Filter    EntryFilter
	PageToken string
	PageSize  int
}

type ListEntriesResult struct {
	Entries       []LedgerEntry `json:"entries"`
	NextPageToken string        `json:"next_page_token,omitempty"`
	HasMore       bool          `json:"has_more"`
}

// Summary is reconstructed from the log rather than the account counters.
type Summary struct {
	UserID            string `json:"user_id"`
	TotalUnitsUsed    int64  `json:"total_units_used"`
	TotalUnitsCredit  int64  `json:"total_units_purchased"`
	TotalCostCents    int64  `json:"total_cost_cents"`
	TotalRevenueCents int64  `json:"total_revenue_cents"`
	UsageEntries      int64  `json:"usage_entries"`
	PurchaseEntries   int64  `json:"purchase_entries"`
}

package domain

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status is the raw payment status reported by the processor.
type Status string

const (
	StatusPaid         Status = "paid"
	StatusPaidOver     Status = "paid_over"
	StatusWrongAmount  Status = "wrong_amount"
	StatusProcess      Status = "process"
	StatusConfirm      Status = "confirm"
	StatusConfirmCheck Status = "confirm_check"
	StatusCancel       Status = "cancel"
	StatusFail         Status = "fail"
	StatusFailed       Status = "failed"
)

func ParseStatus(raw string) Status {
	return Status(strings.ToLower(strings.TrimSpace(raw)))
}

// Outcome is what a notification did to the ledger.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomePending        Outcome = "pending"
	OutcomeRejected       Outcome = "rejected"
	OutcomeIgnored        Outcome = "ignored"
)

// Classify maps a processor status onto the action taken for it. Paid
// statuses classify as OutcomeApplied; whether the purchase is new is decided
// by the ledger.
func (s Status) Classify() Outcome {
	switch s {
	case StatusPaid, StatusPaidOver:
		return OutcomeApplied
	case StatusProcess, StatusConfirm, StatusConfirmCheck:
		return OutcomePending
	case StatusCancel, StatusFail, StatusFailed:
		return OutcomeRejected
	default:
		return OutcomeIgnored
	}
}

// Notification is the canonical payment notification parsed by adapters.
type Notification struct {
	Provider      string
	PaymentID     string
	OrderID       string
	Status        Status
	Amount        string
	Currency      string
	PaymentAmount string
	RawPayload    []byte
}

// ExternalReference is the idempotency key for the purchase: the processor's
// payment id, or the order id when the processor did not send one.
func (n *Notification) ExternalReference() string {
	if n == nil {
		return ""
	}
	if ref := strings.TrimSpace(n.PaymentID); ref != "" {
		return n.Provider + ":" + ref
	}
	return n.Provider + ":order:" + strings.TrimSpace(n.OrderID)
}

// Package is a purchasable bundle of units.
type Package struct {
	Name       string `json:"name"`
	Units      int64  `json:"units"`
	PriceCents int64  `json:"price_cents"`
}

// Result describes how a notification was handled.
type Result struct {
	Outcome   Outcome      `json:"status"`
	UserID    string       `json:"user_id,omitempty"`
	Package   string       `json:"package,omitempty"`
	EntryID   snowflake.ID `json:"entry_id,omitempty"`
	PaidUntil *time.Time   `json:"paid_until,omitempty"`
}

// AdapterConfig carries the provider credentials an adapter is built from.
type AdapterConfig struct {
	Config map[string]any
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// PaymentAdapter verifies and parses one provider's notifications. Verify
// must run before Parse so nothing is read from an unauthenticated payload.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, signature string) error
	Parse(ctx context.Context, payload []byte) (*Notification, error)
}

type Service interface {
	ApplyPaymentNotification(ctx context.Context, raw []byte, signature string) (*Result, error)
	Packages() []Package
	FindPackage(name string) (Package, error)
}

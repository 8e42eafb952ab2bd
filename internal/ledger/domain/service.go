package domain

import (
	"context"
	"time"

	accountdomain "github.com/smallbiznis/tokenledger/internal/account/domain"
)

// Service is the only writer of accounts, ledger entries and idempotency
// records.
type Service interface {
	CreateAccount(ctx context.Context, userID string) (*accountdomain.Account, error)
	DeleteAccount(ctx context.Context, userID string) error
	GetAccount(ctx context.Context, userID string) (*accountdomain.Account, error)

	RecordUsage(ctx context.Context, req UsageRequest) (*LedgerEntry, error)
	CheckAccess(ctx context.Context, userID string) (AccessResult, error)
	AddTokens(ctx context.Context, req PurchaseRequest) (PurchaseResult, error)
	ActivateSubscription(ctx context.Context, userID string, days int) (time.Time, error)
	ApplyPurchase(ctx context.Context, req SubscriptionPurchase) (SubscriptionPurchaseResult, error)

	TrialRemaining(ctx context.Context, userID string) (int64, error)
	Summary(ctx context.Context, userID string) (*Summary, error)
	ListEntries(ctx context.Context, req ListEntriesRequest) (*ListEntriesResult, error)
	ExpireLapsedSubscriptions(ctx context.Context, limit int) (int64, error)
}

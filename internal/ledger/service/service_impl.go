package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/tokenledger/internal/account/domain"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/rate"
	"github.com/smallbiznis/tokenledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxUserIDLength = 128

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Rates      *rate.Source
	Accounts   accountdomain.Repository
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.BillingConfig
	rates      *rate.Source
	accounts   accountdomain.Repository
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	cfg := p.Config.Billing
	if cfg.TrialUnitsLimit <= 0 {
		cfg.TrialUnitsLimit = config.DefaultTrialUnitsLimit
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 5 * time.Second
	}
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}

	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        cfg,
		rates:      p.Rates,
		accounts:   p.Accounts,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateAccount(ctx context.Context, userID string) (*accountdomain.Account, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}

	var account *accountdomain.Account
	created := false
	err = s.withTx(ctx, "create_account", func(ctx context.Context, tx *gorm.DB) error {
		now := s.clock.Now()
		inserted, err := s.accounts.Insert(ctx, tx, &accountdomain.Account{
			UserID:          userID,
			Status:          accountdomain.StatusTrial,
			TrialUnitsLimit: s.cfg.TrialUnitsLimit,
			TrialStartedAt:  now,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return err
		}
		created = inserted

		account, err = s.accounts.Find(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrUnknownAccount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.logger(ctx).Info("account created",
			zap.String("user_id", userID),
			zap.Int64("trial_units_limit", account.TrialUnitsLimit),
		)
	}
	return account, nil
}

// DeleteAccount removes the account and its ledger entries. Idempotency
// records stay so a replayed payment for a deleted user is still a no-op.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return err
	}

	var removedEntries int64
	err = s.withTx(ctx, "delete_account", func(ctx context.Context, tx *gorm.DB) error {
		account, err := s.accounts.FindForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrUnknownAccount
		}
		removedEntries, err = s.repo.DeleteEntries(ctx, tx, userID)
		if err != nil {
			return err
		}
		_, err = s.accounts.Delete(ctx, tx, userID)
		return err
	})
	if err != nil {
		return err
	}

	s.logger(ctx).Info("account deleted",
		zap.String("user_id", userID),
		zap.Int64("ledger_entries", removedEntries),
	)
	return nil
}

func (s *Service) GetAccount(ctx context.Context, userID string) (*accountdomain.Account, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}

	var account *accountdomain.Account
	err = s.withRead(ctx, func(ctx context.Context, db *gorm.DB) error {
		account, err = s.accounts.Find(ctx, db, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ledgerdomain.ErrUnknownAccount
	}
	return account, nil
}

// RecordUsage always records incurred usage, even past the trial limit.
// Quota is enforced by the next CheckAccess.
func (s *Service) RecordUsage(ctx context.Context, req ledgerdomain.UsageRequest) (*ledgerdomain.LedgerEntry, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	if req.InputUnits < 0 || req.OutputUnits < 0 {
		return nil, ledgerdomain.ErrInvalidUnits
	}
	provider := strings.TrimSpace(req.Provider)
	model := strings.TrimSpace(req.Model)

	costCents, err := s.rates.Cost(provider, model, req.InputUnits, req.OutputUnits)
	if err != nil {
		if errors.Is(err, rate.ErrCostOverflow) {
			return nil, fmt.Errorf("%w: %v", ledgerdomain.ErrInvalidUnits, err)
		}
		if errors.Is(err, rate.ErrUnknownRate) {
			s.logger(ctx).Error("usage for unpriced model",
				zap.String("user_id", userID),
				zap.String("provider", provider),
				zap.String("model", model),
			)
		}
		return nil, err
	}

	totalUnits := req.InputUnits + req.OutputUnits
	if totalUnits < 0 {
		return nil, ledgerdomain.ErrInvalidUnits
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = fmt.Sprintf("usage %s/%s", provider, model)
	}

	var entry *ledgerdomain.LedgerEntry
	err = s.withTx(ctx, "record_usage", func(ctx context.Context, tx *gorm.DB) error {
		account, err := s.accounts.FindForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrUnknownAccount
		}

		now := s.clock.Now()
		entry = &ledgerdomain.LedgerEntry{
			ID:          s.genID.Generate(),
			UserID:      userID,
			EntryType:   ledgerdomain.EntryTypeUsage,
			Amount:      -totalUnits,
			CostCents:   &costCents,
			Provider:    &provider,
			Model:       &model,
			InputUnits:  &req.InputUnits,
			OutputUnits: &req.OutputUnits,
			Description: description,
			CreatedAt:   now,
		}
		if err := s.repo.InsertEntry(ctx, tx, entry); err != nil {
			return err
		}

		if account.Status == accountdomain.StatusTrial && totalUnits > 0 {
			return s.accounts.AddTrialUnits(ctx, tx, userID, totalUnits, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordUsage(ctx, provider, model, totalUnits, costCents)
	s.logger(ctx).Debug("usage recorded",
		zap.String("user_id", userID),
		zap.String("entry_id", entry.ID.String()),
		zap.Int64("units", totalUnits),
		zap.Int64("cost_cents", costCents),
	)
	return entry, nil
}

// CheckAccess is a point-in-time decision with no reservation. Two callers
// may both pass on the last unit; the resulting overrun is bounded by their
// usage and shows up on the next check.
func (s *Service) CheckAccess(ctx context.Context, userID string) (ledgerdomain.AccessResult, error) {
	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrUnknownAccount) {
			s.obsMetrics.RecordAccessDecision(ctx, string(ledgerdomain.AccessUnknownAccount))
			return ledgerdomain.AccessUnknownAccount, err
		}
		return "", err
	}

	result := s.decideAccess(account, s.clock.Now())
	s.obsMetrics.RecordAccessDecision(ctx, string(result))
	return result, nil
}

func (s *Service) decideAccess(account *accountdomain.Account, now time.Time) ledgerdomain.AccessResult {
	switch account.Status {
	case accountdomain.StatusTrial:
		if account.TrialUnitsUsed >= account.TrialUnitsLimit {
			return ledgerdomain.AccessTrialExhausted
		}
		if s.cfg.TrialDays > 0 && now.After(account.TrialStartedAt.AddDate(0, 0, s.cfg.TrialDays)) {
			return ledgerdomain.AccessTrialExpired
		}
		return ledgerdomain.AccessAllowed
	case accountdomain.StatusActive:
		if account.PaidUntil != nil && now.After(*account.PaidUntil) {
			return ledgerdomain.AccessSubscriptionExpired
		}
		return ledgerdomain.AccessAllowed
	default:
		return ledgerdomain.AccessSubscriptionExpired
	}
}

func (s *Service) AddTokens(ctx context.Context, req ledgerdomain.PurchaseRequest) (ledgerdomain.PurchaseResult, error) {
	res, err := s.purchase(ctx, "add_tokens", req, 0)
	if err != nil {
		return ledgerdomain.PurchaseResult{}, err
	}
	return res.PurchaseResult, nil
}

// ApplyPurchase credits units and extends the subscription in one
// transaction, gated by a single idempotency record.
func (s *Service) ApplyPurchase(ctx context.Context, req ledgerdomain.SubscriptionPurchase) (ledgerdomain.SubscriptionPurchaseResult, error) {
	if req.Days <= 0 {
		return ledgerdomain.SubscriptionPurchaseResult{}, ledgerdomain.ErrInvalidDays
	}
	return s.purchase(ctx, "apply_purchase", req.PurchaseRequest, req.Days)
}

func (s *Service) ActivateSubscription(ctx context.Context, userID string, days int) (time.Time, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return time.Time{}, err
	}
	if days <= 0 {
		return time.Time{}, ledgerdomain.ErrInvalidDays
	}

	var paidUntil time.Time
	err = s.withTx(ctx, "activate_subscription", func(ctx context.Context, tx *gorm.DB) error {
		account, err := s.accounts.FindForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrUnknownAccount
		}
		paidUntil, err = s.extendSubscription(ctx, tx, account, days)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}

	s.logger(ctx).Info("subscription activated",
		zap.String("user_id", userID),
		zap.Int("days", days),
		zap.Time("paid_until", paidUntil),
	)
	return paidUntil, nil
}

var errAlreadyApplied = errors.New("already_applied")

func (s *Service) purchase(ctx context.Context, op string, req ledgerdomain.PurchaseRequest, days int) (ledgerdomain.SubscriptionPurchaseResult, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return ledgerdomain.SubscriptionPurchaseResult{}, err
	}
	if req.Units <= 0 {
		return ledgerdomain.SubscriptionPurchaseResult{}, ledgerdomain.ErrInvalidUnits
	}
	if req.PriceCents < 0 {
		return ledgerdomain.SubscriptionPurchaseResult{}, ledgerdomain.ErrInvalidPrice
	}
	reference := strings.TrimSpace(req.ExternalReference)
	if reference == "" {
		return ledgerdomain.SubscriptionPurchaseResult{}, ledgerdomain.ErrInvalidReference
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = fmt.Sprintf("purchase %d units", req.Units)
	}

	var result ledgerdomain.SubscriptionPurchaseResult
	err = s.withTx(ctx, op, func(ctx context.Context, tx *gorm.DB) error {
		result = ledgerdomain.SubscriptionPurchaseResult{}

		existing, err := s.repo.FindIdempotency(ctx, tx, reference)
		if err != nil {
			return err
		}
		if existing != nil {
			result.EntryID = existing.LedgerEntryID
			return nil
		}

		account, err := s.accounts.FindForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrUnknownAccount
		}

		now := s.clock.Now()
		entryID := s.genID.Generate()
		inserted, err := s.repo.InsertIdempotency(ctx, tx, &ledgerdomain.IdempotencyRecord{
			ExternalReference: reference,
			UserID:            userID,
			LedgerEntryID:     entryID,
			AppliedAt:         now,
		})
		if err != nil {
			if isDuplicateKeyErr(err) {
				return errAlreadyApplied
			}
			return err
		}
		if !inserted {
			return nil
		}

		price := req.PriceCents
		if err := s.repo.InsertEntry(ctx, tx, &ledgerdomain.LedgerEntry{
			ID:          entryID,
			UserID:      userID,
			EntryType:   ledgerdomain.EntryTypePurchase,
			Amount:      req.Units,
			PriceCents:  &price,
			Description: description,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		if err := s.accounts.AddPurchasedUnits(ctx, tx, userID, req.Units, now); err != nil {
			return err
		}

		if days > 0 {
			paidUntil, err := s.extendSubscription(ctx, tx, account, days)
			if err != nil {
				return err
			}
			result.PaidUntil = &paidUntil
		}

		result.Applied = true
		result.EntryID = entryID
		return nil
	})
	if errors.Is(err, errAlreadyApplied) {
		err = nil
		result = ledgerdomain.SubscriptionPurchaseResult{}
	}
	if err != nil {
		return ledgerdomain.SubscriptionPurchaseResult{}, err
	}

	kind := "tokens"
	if days > 0 {
		kind = "subscription"
	}
	s.obsMetrics.RecordPurchase(ctx, kind, result.Applied)

	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("external_reference", reference),
		zap.Int64("units", req.Units),
		zap.Bool("applied", result.Applied),
	}
	if result.Applied {
		s.logger(ctx).Info("purchase applied", append(fields, zap.String("entry_id", result.EntryID.String()))...)
	} else {
		s.logger(ctx).Info("purchase already applied", fields...)
	}
	return result, nil
}

// extendSubscription must run with the account row locked.
func (s *Service) extendSubscription(ctx context.Context, tx *gorm.DB, account *accountdomain.Account, days int) (time.Time, error) {
	now := s.clock.Now()
	base := now
	if account.PaidUntil != nil && account.PaidUntil.After(now) {
		base = account.PaidUntil.UTC()
	}
	paidUntil := base.AddDate(0, 0, days)
	if err := s.accounts.SetSubscription(ctx, tx, account.UserID, paidUntil, now); err != nil {
		return time.Time{}, err
	}
	account.Status = accountdomain.StatusActive
	account.PaidUntil = &paidUntil
	return paidUntil, nil
}

func (s *Service) TrialRemaining(ctx context.Context, userID string) (int64, error) {
	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.TrialRemaining(), nil
}

func (s *Service) Summary(ctx context.Context, userID string) (*ledgerdomain.Summary, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}

	var summary *ledgerdomain.Summary
	err = s.withRead(ctx, func(ctx context.Context, db *gorm.DB) error {
		account, err := s.accounts.Find(ctx, db, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrUnknownAccount
		}
		summary, err = s.repo.Summarize(ctx, db, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *Service) ListEntries(ctx context.Context, req ledgerdomain.ListEntriesRequest) (*ledgerdomain.ListEntriesResult, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return nil, err
	}

	filter := ledgerdomain.EntryFilter(strings.ToLower(strings.TrimSpace(string(req.Filter))))
	switch filter {
	case "":
		filter = ledgerdomain.EntryFilterAll
	case ledgerdomain.EntryFilterAll, ledgerdomain.EntryFilterUsage, ledgerdomain.EntryFilterCredit:
	default:
		return nil, ledgerdomain.ErrInvalidFilter
	}

	var beforeID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, ledgerdomain.ErrInvalidPageToken
		}
		parsed, err := snowflake.ParseString(cursor.ID)
		if err != nil || parsed <= 0 {
			return nil, ledgerdomain.ErrInvalidPageToken
		}
		beforeID = parsed
	}
	pageSize := pagination.NormalizePageSize(req.PageSize)

	var items []ledgerdomain.LedgerEntry
	err = s.withRead(ctx, func(ctx context.Context, db *gorm.DB) error {
		items, err = s.repo.ListEntries(ctx, db, userID, filter, beforeID, pageSize+1)
		return err
	})
	if err != nil {
		return nil, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(e ledgerdomain.LedgerEntry) pagination.Cursor {
		return pagination.Cursor{ID: strconv.FormatInt(int64(e.ID), 10)}
	})
	if items == nil {
		items = []ledgerdomain.LedgerEntry{}
	}
	return &ledgerdomain.ListEntriesResult{
		Entries:       items,
		NextPageToken: pageInfo.NextPageToken,
		HasMore:       pageInfo.HasMore,
	}, nil
}

// ExpireLapsedSubscriptions flips active accounts whose paid_until passed to
// expired. CheckAccess does not depend on it.
func (s *Service) ExpireLapsedSubscriptions(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}

	var expired int64
	err := s.withTx(ctx, "expire_subscriptions", func(ctx context.Context, tx *gorm.DB) error {
		now := s.clock.Now()
		ids, err := s.accounts.ListLapsed(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		expired, err = s.accounts.ExpireLapsed(ctx, tx, ids, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.logger(ctx).Info("subscriptions expired", zap.Int64("count", expired))
	}
	return expired, nil
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func normalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || len(userID) > maxUserIDLength {
		return "", ledgerdomain.ErrInvalidUserID
	}
	return userID, nil
}

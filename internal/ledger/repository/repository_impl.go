package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *domain.LedgerEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, user_id, entry_type, amount, cost_cents, price_cents,
			provider, model, input_units, output_units, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		string(entry.EntryType),
		entry.Amount,
		entry.CostCents,
		entry.PriceCents,
		entry.Provider,
		entry.Model,
		entry.InputUnits,
		entry.OutputUnits,
		entry.Description,
		entry.CreatedAt,
	).Error
}

// ListEntries pages newest first by snowflake id.
func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, userID string, filter domain.EntryFilter, beforeID snowflake.ID, limit int) ([]domain.LedgerEntry, error) {
	query := db.WithContext(ctx).Where("user_id = ?", userID)
	if filter != "" && filter != domain.EntryFilterAll {
		query = query.Where("entry_type = ?", string(filter))
	}
	if beforeID > 0 {
		query = query.Where("id < ?", int64(beforeID))
	}

	var items []domain.LedgerEntry
	if err := query.Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Summarize(ctx context.Context, db *gorm.DB, userID string) (*domain.Summary, error) {
	var row struct {
		TotalUnitsUsed    int64
		TotalUnitsCredit  int64
		TotalCostCents    int64
		TotalRevenueCents int64
		UsageEntries      int64
		PurchaseEntries   int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN entry_type = ? THEN -amount ELSE 0 END), 0) AS total_units_used,
			COALESCE(SUM(CASE WHEN entry_type = ? THEN amount ELSE 0 END), 0) AS total_units_credit,
			COALESCE(SUM(CASE WHEN entry_type = ? THEN COALESCE(cost_cents, 0) ELSE 0 END), 0) AS total_cost_cents,
			COALESCE(SUM(CASE WHEN entry_type = ? THEN COALESCE(price_cents, 0) ELSE 0 END), 0) AS total_revenue_cents,
			COALESCE(SUM(CASE WHEN entry_type = ? THEN 1 ELSE 0 END), 0) AS usage_entries,
			COALESCE(SUM(CASE WHEN entry_type = ? THEN 1 ELSE 0 END), 0) AS purchase_entries
		 FROM ledger_entries
		 WHERE user_id = ?`,
		string(domain.EntryTypeUsage),
		string(domain.EntryTypePurchase),
		string(domain.EntryTypeUsage),
		string(domain.EntryTypePurchase),
		string(domain.EntryTypeUsage),
		string(domain.EntryTypePurchase),
		userID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &domain.Summary{
		UserID:            userID,
		TotalUnitsUsed:    row.TotalUnitsUsed,
		TotalUnitsCredit:  row.TotalUnitsCredit,
		TotalCostCents:    row.TotalCostCents,
		TotalRevenueCents: row.TotalRevenueCents,
		UsageEntries:      row.UsageEntries,
		PurchaseEntries:   row.PurchaseEntries,
	}, nil
}

func (r *repo) DeleteEntries(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM ledger_entries WHERE user_id = ?`, userID)
	return res.RowsAffected, res.Error
}

func (r *repo) FindIdempotency(ctx context.Context, db *gorm.DB, externalReference string) (*domain.IdempotencyRecord, error) {
	var items []domain.IdempotencyRecord
	err := db.WithContext(ctx).
		Where("external_reference = ?", externalReference).
		Limit(1).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// InsertIdempotency reports false when the reference is already present.
// The unique key decides between concurrent deliveries.
func (r *repo) InsertIdempotency(ctx context.Context, db *gorm.DB, record *domain.IdempotencyRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_reference"}}, DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/tokenledger/internal/account/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, userID string) (*domain.Account, error) {
	var items []domain.Account
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
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

// FindForUpdate row-locks the account for the rest of the transaction.
// SQLite drops the locking clause; its single writer gives the same ordering.
func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, userID string) (*domain.Account, error) {
	var items []domain.Account
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
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

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.Account) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(account)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) AddTrialUnits(ctx context.Context, db *gorm.DB, userID string, units int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET trial_units_used = trial_units_used + ?, updated_at = ?
		 WHERE user_id = ?`,
		units,
		now,
		userID,
	).Error
}

func (r *repo) AddPurchasedUnits(ctx context.Context, db *gorm.DB, userID string, units int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET lifetime_units_purchased = lifetime_units_purchased + ?, updated_at = ?
		 WHERE user_id = ?`,
		units,
		now,
		userID,
	).Error
}

func (r *repo) SetSubscription(ctx context.Context, db *gorm.DB, userID string, paidUntil time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET status = ?, paid_until = ?, updated_at = ?
		 WHERE user_id = ?`,
		string(domain.StatusActive),
		paidUntil,
		now,
		userID,
	).Error
}

func (r *repo) ListLapsed(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT user_id
		 FROM accounts
		 WHERE status = ? AND paid_until IS NOT NULL AND paid_until < ?
		 ORDER BY paid_until ASC
		 LIMIT ?`,
		string(domain.StatusActive),
		now,
		limit,
	).Scan(&ids).Error
	return ids, err
}

// ExpireLapsed re-checks the predicate so an account renewed after listing
// is left alone.
func (r *repo) ExpireLapsed(ctx context.Context, db *gorm.DB, userIDs []string, now time.Time) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET status = ?, updated_at = ?
		 WHERE user_id IN ? AND status = ? AND paid_until IS NOT NULL AND paid_until < ?`,
		string(domain.StatusExpired),
		now,
		userIDs,
		string(domain.StatusActive),
		now,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, userID string) (bool, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM accounts WHERE user_id = ?`, userID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

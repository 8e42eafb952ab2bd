package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertEntry(ctx context.Context, db *gorm.DB, entry *LedgerEntry) error
	ListEntries(ctx context.Context, db *gorm.DB, userID string, filter EntryFilter, beforeID snowflake.ID, limit int) ([]LedgerEntry, error)
	Summarize(ctx context.Context, db *gorm.DB, userID string) (*Summary, error)
	DeleteEntries(ctx context.Context, db *gorm.DB, userID string) (int64, error)

	FindIdempotency(ctx context.Context, db *gorm.DB, externalReference string) (*IdempotencyRecord, error)
	InsertIdempotency(ctx context.Context, db *gorm.DB, record *IdempotencyRecord) (bool, error)
}

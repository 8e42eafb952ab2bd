package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm", gorm.ErrDuplicatedKey, true},
		{"pg code", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped pg", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"sqlite", errors.New("UNIQUE constraint failed: idempotency_records.external_reference"), true},
		{"mysql", errors.New("Error 1062 (23000): Duplicate entry"), true},
		{"other", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsDuplicateKeyErr(tc.err))
		})
	}
}

func TestIsConflictErr(t *testing.T) {
	assert.True(t, IsConflictErr(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsConflictErr(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, IsConflictErr(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsConflictErr(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsConflictErr(nil))
}

func TestIsTimeoutErr(t *testing.T) {
	assert.True(t, IsTimeoutErr(context.DeadlineExceeded))
	assert.True(t, IsTimeoutErr(fmt.Errorf("tx: %w", context.DeadlineExceeded)))
	assert.True(t, IsTimeoutErr(&pgconn.PgError{Code: "57014"}))
	assert.False(t, IsTimeoutErr(context.Canceled))
}

package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTxTestService(t *testing.T, retries int) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_tx_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	return &Service{
		db:  db,
		log: zap.NewNop(),
		cfg: config.BillingConfig{StorageTimeout: time.Second, ConflictRetries: retries},
	}
}

func TestWithTxRetriesConflicts(t *testing.T) {
	s := newTxTestService(t, 3)

	calls := 0
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *gorm.DB) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithTxGivesUpAfterRetries(t *testing.T) {
	s := newTxTestService(t, 1)

	calls := 0
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *gorm.DB) error {
		calls++
		return errors.New("database is locked")
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrStorageConflict)
	assert.Equal(t, 2, calls)
}

func TestWithTxDoesNotRetryDomainErrors(t *testing.T) {
	s := newTxTestService(t, 3)

	calls := 0
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *gorm.DB) error {
		calls++
		return ledgerdomain.ErrUnknownAccount
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrUnknownAccount)
	assert.Equal(t, 1, calls)
}

func TestClassifyStorageErr(t *testing.T) {
	assert.NoError(t, classifyStorageErr(nil))
	assert.ErrorIs(t, classifyStorageErr(context.DeadlineExceeded), ledgerdomain.ErrStorageTimeout)
	assert.ErrorIs(t, classifyStorageErr(&pgconn.PgError{Code: "40P01"}), ledgerdomain.ErrStorageConflict)

	boom := errors.New("boom")
	assert.Equal(t, boom, classifyStorageErr(boom))
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// withTx runs fn in one transaction bounded by the storage timeout.
// Conflicts (serialization failure, deadlock, busy database) roll back and
// are retried with backoff; timeouts are returned to the caller.
func (s *Service) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx *gorm.DB) error) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			s.obsMetrics.RecordStorageRetry(ctx, op)
		}

		txCtx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
		defer cancel()

		err := s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
			return fn(txCtx, tx)
		})
		if err == nil {
			return struct{}{}, nil
		}

		err = classifyStorageErr(err)
		if errors.Is(err, ledgerdomain.ErrStorageConflict) {
			s.logger(ctx).Warn("storage conflict, retrying",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(uint(s.cfg.ConflictRetries+1)),
	)
	return classifyStorageErr(err)
}

// withRead runs a read-only query under the storage timeout.
func (s *Service) withRead(ctx context.Context, fn func(ctx context.Context, db *gorm.DB) error) error {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()
	return classifyStorageErr(fn(readCtx, s.db))
}

func (s *Service) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

func classifyStorageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledgerdomain.ErrStorageTimeout), errors.Is(err, ledgerdomain.ErrStorageConflict):
		return err
	case db.IsTimeoutErr(err):
		return fmt.Errorf("%w: %v", ledgerdomain.ErrStorageTimeout, err)
	case db.IsConflictErr(err):
		return fmt.Errorf("%w: %v", ledgerdomain.ErrStorageConflict, err)
	default:
		return err
	}
}

func isDuplicateKeyErr(err error) bool {
	return db.IsDuplicateKeyErr(err)
}

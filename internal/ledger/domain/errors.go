package domain

import "errors"

var (
	ErrUnknownAccount   = errors.New("unknown_account")
	ErrInvalidUserID    = errors.New("invalid_user_id")
	ErrInvalidUnits     = errors.New("invalid_units")
	ErrInvalidDays      = errors.New("invalid_days")
	ErrInvalidReference = errors.New("invalid_external_reference")
	ErrInvalidPrice     = errors.New("invalid_price")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidFilter    = errors.New("invalid_entry_filter")

	// Transient. The mutation was rolled back and can be retried as-is.
	ErrStorageTimeout  = errors.New("storage_timeout")
	ErrStorageConflict = errors.New("storage_conflict")
)

// IsRetryable reports storage failures that left no partial state behind.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageTimeout) || errors.Is(err, ErrStorageConflict)
}

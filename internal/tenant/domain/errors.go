package domain

import "errors"

var (
	ErrInvalidUserID   = errors.New("invalid_user_id")
	ErrTenantNotFound  = errors.New("tenant_not_found")
	ErrDirectoryClosed = errors.New("tenant_directory_closed")
)

package domain

import "errors"

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrUnknownPackage   = errors.New("unknown_package")
	ErrInvalidOrderID   = errors.New("invalid_order_id")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_config")
	ErrPaymentsDisabled = errors.New("payments_disabled")
)

package ledger

import "errors"

var (
	ErrValidation             = errors.New("validation error")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrConfigurationMissing   = errors.New("configuration missing")
)

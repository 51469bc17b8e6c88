package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates an unknown or revoked API key.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTenantInactive indicates the ledger has been deactivated.
	ErrTenantInactive = errors.New("ledger inactive")
)

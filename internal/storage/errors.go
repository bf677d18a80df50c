package storage

import "errors"

// Sentinel errors shared by every repository driver. API handlers map these
// onto HTTP statuses in one place, so drivers must return them (wrapped is
// fine) rather than ad-hoc equivalents.
var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidState       = errors.New("invalid state")
	ErrDuplicateHandle    = errors.New("handle already in use")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnavailable        = errors.New("dependency unavailable")
)

package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to user-facing messages).
var (
	ErrInvalidInput       = errors.New("invalid_input")
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrEmailNotConfirmed  = errors.New("email_not_confirmed")
	ErrNotFound           = errors.New("not_found")
	ErrConflict           = errors.New("conflict")
	ErrRateLimited        = errors.New("rate_limited")
	ErrNotAuthenticated   = errors.New("not_authenticated")
	ErrUnavailable        = errors.New("unavailable")
)

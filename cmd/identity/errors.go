package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ProviderError is a typed failure returned by Identity Provider operations.
//
// Status is the HTTP status the provider answered with (0 when the request never
// got a response). Code and Msg are the provider's own error code and text; Msg
// may be shown to operators but never contains secrets.
type ProviderError struct {
	Op     string
	Status int
	Code   string
	Msg    string
	Kind   error
	Err    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Status > 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the sentinel kind and the underlying cause.
func (e *ProviderError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// HTTPStatus lets the retry executor classify the failure.
func (e *ProviderError) HTTPStatus() int { return e.Status }

func newProviderError(op string, status int, code, msg string) *ProviderError {
	return &ProviderError{
		Op:     op,
		Status: status,
		Code:   code,
		Msg:    msg,
		Kind:   kindFor(status, code, msg),
	}
}

func transportError(op string, err error) *ProviderError {
	return &ProviderError{Op: op, Kind: ErrUnavailable, Err: err}
}

func kindFor(status int, code, msg string) error {
	c := strings.ToLower(strings.TrimSpace(code))
	m := strings.ToLower(msg)

	switch {
	case c == "invalid_credentials" || strings.Contains(m, "invalid login credentials"):
		return ErrInvalidCredentials
	case c == "email_not_confirmed" || strings.Contains(m, "email not confirmed"):
		return ErrEmailNotConfirmed
	case c == "user_already_exists" || c == "email_exists" || strings.Contains(m, "already registered"):
		return ErrConflict
	}

	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrNotAuthenticated
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if c == "invalid_grant" {
			return ErrInvalidCredentials
		}
		return ErrInvalidInput
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrInvalidInput
	}
}

// IsInvalidCredentials reports whether err represents ErrInvalidCredentials.
func IsInvalidCredentials(err error) bool { return errors.Is(err, ErrInvalidCredentials) }

// IsUnavailable reports whether err represents a transport or 5xx failure.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// ProviderMessage returns the provider's raw message when err is a ProviderError.
func ProviderMessage(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Msg
	}
	return ""
}

package session

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned by operations that need a signed-in identity.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// AuthError is a failed explicit operation. Message is safe to show the user.
type AuthError struct {
	Op      string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Message
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func authError(op string, err error) *AuthError {
	return &AuthError{Op: op, Message: UserMessage(err), Err: err}
}

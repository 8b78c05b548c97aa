package push

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported means the platform lacks service worker, push or notification support.
	ErrUnsupported = errors.New("push: unsupported platform")
	// ErrPermissionDenied means the user denied (or dismissed) the notification prompt.
	ErrPermissionDenied = errors.New("push: permission denied")
	// ErrInvalidVAPIDKey means the server key is not an uncompressed P-256 point.
	ErrInvalidVAPIDKey = errors.New("push: invalid vapid public key")
	// ErrNoSubscription means there is no local push subscription.
	ErrNoSubscription = errors.New("push: no subscription")
)

// ServerError is a failed call to the push registration server.
type ServerError struct {
	Op     string
	Status int
	Msg    string
	Err    error
}

func (e *ServerError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Msg)
	default:
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
}

func (e *ServerError) Unwrap() error { return e.Err }

// HTTPStatus exposes the server status for retry classification.
func (e *ServerError) HTTPStatus() int { return e.Status }

// Package profile reads the per-identity data the session agent shows alongside
// an authenticated session (profile, usage analytics, unread notification count)
// and records audit events.
package profile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("profile: not found")
	ErrInvalidInput = errors.New("profile: invalid input")
)

// Profile is the user-facing record for one identity.
type Profile struct {
	UserID      uuid.UUID  `json:"user_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Analytics is an aggregate usage snapshot. Values are computed by the store.
type Analytics struct {
	UserID         uuid.UUID  `json:"user_id"`
	BookingsTotal  int        `json:"bookings_total"`
	BookingsActive int        `json:"bookings_active"`
	SpendCents     int64      `json:"spend_cents"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// AuditEvent is one security-relevant action (sign-in, sign-up, sign-out).
type AuditEvent struct {
	ID       string
	UserID   uuid.UUID
	Action   string
	Metadata map[string]string
	At       time.Time
}

// Audit actions written by the session manager.
const (
	ActionSignIn  = "auth.sign_in"
	ActionSignUp  = "auth.sign_up"
	ActionSignOut = "auth.sign_out"
)

// Store is the Profile/Analytics collaborator.
type Store interface {
	// GetProfile returns ErrNotFound when the identity has no profile row yet.
	GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	GetUserAnalytics(ctx context.Context, userID uuid.UUID) (*Analytics, error)
	GetUnreadNotificationCount(ctx context.Context, userID uuid.UUID) (int, error)
	// LogAuditEvent is best-effort for callers; failures are theirs to log.
	LogAuditEvent(ctx context.Context, ev AuditEvent) error
	TouchLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error
}

func validUser(userID uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrInvalidInput
	}
	return nil
}

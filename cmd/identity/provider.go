package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Identity is the stable principal a session refers to.
type Identity struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSignInAt *time.Time `json:"last_sign_in_at,omitempty"`
}

// UUID parses the identity id. Provider ids are UUIDs.
func (i Identity) UUID() (uuid.UUID, error) {
	return uuid.Parse(i.ID)
}

// Session is the opaque credential bundle for one identity.
// It must never leave the session manager (not logged, not exposed in state).
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	Identity     Identity  `json:"user"`
}

// Expired reports whether the access token is past expiry, allowing skew.
func (s *Session) Expired(now time.Time, skew time.Duration) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}

// SignUpMetadata is user metadata stored by the provider at registration.
type SignUpMetadata struct {
	DisplayName string `json:"display_name,omitempty"`
}

// ResetOptions controls the password recovery email.
type ResetOptions struct {
	RedirectTo string
}

// Provider is the Identity Provider collaborator.
//
// All methods return either a success value or an error whose chain carries an
// HTTP-like status (see ProviderError.HTTPStatus) so callers can classify it.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*Session, error)
	// SignUp returns a nil session when the provider requires email confirmation.
	SignUp(ctx context.Context, email, password string, meta SignUpMetadata) (*Session, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email string, opts ResetOptions) error
	UpdatePassword(ctx context.Context, password string) (*Identity, error)
	// GetSession returns the persisted session, or nil when there is none.
	GetSession(ctx context.Context) (*Session, error)
	// Subscribe opens an auth-change stream. Callers must Close it.
	Subscribe() *Subscription
}

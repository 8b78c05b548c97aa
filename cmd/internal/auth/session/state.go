package session

import (
	"gearhub/cmd/identity"
	"gearhub/cmd/internal/profile"
)

// Phase is the session lifecycle position.
type Phase string

const (
	PhaseUninitialized   Phase = "uninitialized"
	PhaseRestoring       Phase = "restoring"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseUnauthenticated Phase = "unauthenticated"
)

// State is an immutable snapshot. Pointer fields are shared between snapshots
// and must not be modified by readers.
type State struct {
	Phase       Phase              `json:"phase"`
	Identity    *identity.Identity `json:"identity,omitempty"`
	Profile     *profile.Profile   `json:"profile,omitempty"`
	Analytics   *profile.Analytics `json:"analytics,omitempty"`
	UnreadCount int                `json:"unread_count"`
	// Generation increases every time the signed-in identity changes.
	Generation uint64 `json:"generation"`

	// accessToken identifies the applied provider session. It is unexported so
	// snapshots handed to callers never carry it.
	accessToken string
}

// Authenticated reports whether an identity is signed in.
func (s State) Authenticated() bool {
	return s.Phase == PhaseAuthenticated && s.Identity != nil
}

// UserID returns the signed-in identity id, or "".
func (s State) UserID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}

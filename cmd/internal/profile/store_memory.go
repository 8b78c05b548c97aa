package profile

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"gearhub/cmd/identity/ids"
)

// InMemoryStore is a process-local Store (dev mode without a database, tests).
type InMemoryStore struct {
	mu        sync.RWMutex
	profiles  map[uuid.UUID]Profile
	analytics map[uuid.UUID]Analytics
	unread    map[uuid.UUID]int
	audit     []AuditEvent
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles:  make(map[uuid.UUID]Profile),
		analytics: make(map[uuid.UUID]Analytics),
		unread:    make(map[uuid.UUID]int),
	}
}

// PutProfile inserts or replaces a profile.
func (s *InMemoryStore) PutProfile(p Profile) {
	s.mu.Lock()
	s.profiles[p.UserID] = p
	s.mu.Unlock()
}

// PutAnalytics inserts or replaces an analytics snapshot.
func (s *InMemoryStore) PutAnalytics(a Analytics) {
	s.mu.Lock()
	s.analytics[a.UserID] = a
	s.mu.Unlock()
}

// SetUnread sets the unread notification count.
func (s *InMemoryStore) SetUnread(userID uuid.UUID, n int) {
	s.mu.Lock()
	s.unread[userID] = n
	s.mu.Unlock()
}

// AuditEvents returns a copy of the recorded audit trail.
func (s *InMemoryStore) AuditEvents() []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.audit)
}

func (s *InMemoryStore) GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// GetUserAnalytics returns a zero snapshot for identities without activity.
func (s *InMemoryStore) GetUserAnalytics(ctx context.Context, userID uuid.UUID) (*Analytics, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analytics[userID]
	if !ok {
		a = Analytics{UserID: userID}
	}
	return &a, nil
}

func (s *InMemoryStore) GetUnreadNotificationCount(ctx context.Context, userID uuid.UUID) (int, error) {
	if err := validUser(userID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[userID], nil
}

func (s *InMemoryStore) LogAuditEvent(ctx context.Context, ev AuditEvent) error {
	if ev.Action == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = ids.MustNew()
	} else if !ids.Valid(ev.ID) {
		return ErrInvalidInput
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.Metadata = maps.Clone(ev.Metadata)

	s.mu.Lock()
	s.audit = append(s.audit, ev)
	s.mu.Unlock()
	return nil
}

// TouchLastLogin is a no-op for identities without a profile.
func (s *InMemoryStore) TouchLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	if err := validUser(userID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil
	}
	at = at.UTC()
	p.LastLoginAt = &at
	s.profiles[userID] = p
	return nil
}

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// SessionStore persists the current session between process runs.
type SessionStore interface {
	// Load returns nil, nil when nothing is persisted.
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Clear(ctx context.Context) error
}

// FileSessionStore keeps the session as a 0600 JSON file.
// Writes go through a temp file + rename so a crash never leaves a torn file.
type FileSessionStore struct {
	path string
	mu   sync.Mutex
}

// NewFileSessionStore constructs a store rooted at path.
func NewFileSessionStore(path string) (*FileSessionStore, error) {
	if path == "" {
		return nil, fmt.Errorf("identity: empty session file path: %w", ErrInvalidInput)
	}
	return &FileSessionStore{path: path}, nil
}

// Load reads the persisted session.
func (f *FileSessionStore) Load(_ context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: read session file: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}

	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("identity: decode session file: %w", err)
	}
	if s.AccessToken == "" || s.Identity.ID == "" {
		return nil, nil
	}
	return &s, nil
}

// Save replaces the persisted session.
func (f *FileSessionStore) Save(_ context.Context, s *Session) error {
	if s == nil {
		return f.Clear(context.Background())
	}

	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("identity: encode session: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("identity: create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("identity: create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("identity: write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

// Clear removes the persisted session (idempotent).
func (f *FileSessionStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("identity: remove session file: %w", err)
	}
	return nil
}

// MemorySessionStore is a process-local SessionStore (tests, ephemeral agents).
type MemorySessionStore struct {
	mu sync.Mutex
	s  *Session
}

// NewMemorySessionStore constructs an empty store.
func NewMemorySessionStore() *MemorySessionStore { return &MemorySessionStore{} }

// Load returns a copy of the stored session.
func (m *MemorySessionStore) Load(_ context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return nil, nil
	}
	cp := *m.s
	return &cp, nil
}

// Save stores a copy of s.
func (m *MemorySessionStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		m.s = nil
		return nil
	}
	cp := *s
	m.s = &cp
	return nil
}

// Clear drops the stored session.
func (m *MemorySessionStore) Clear(_ context.Context) error {
	m.mu.Lock()
	m.s = nil
	m.mu.Unlock()
	return nil
}

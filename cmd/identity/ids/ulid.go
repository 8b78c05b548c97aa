// Package ids provides ULID primitives shared by the session agent (envelope ids,
// device ids, audit correlation ids).
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID string (26 chars) stamped with now.
// IDs generated within the same millisecond are strictly increasing.
func New(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNew is New for call sites that cannot meaningfully recover (envelope ids).
func MustNew() string {
	id, err := New(time.Now().UTC())
	if err != nil {
		panic("ids: entropy source failed: " + err.Error())
	}
	return id
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

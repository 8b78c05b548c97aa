package realtime

import (
	"time"

	"gearhub/cmd/identity/ids"
)

// NewConnectionID returns a ULID identifying one gateway connection.
func NewConnectionID(now time.Time) (string, error) {
	return ids.New(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID() string {
	return ids.MustNew()
}

package push

import (
	"crypto/ecdh"
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeVAPIDKey decodes a base64url (padded or not) VAPID public key and checks
// that it is an uncompressed point on P-256.
func DecodeVAPIDKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidVAPIDKey)
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVAPIDKey, err)
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, fmt.Errorf("%w: want 65-byte uncompressed point, got %d bytes", ErrInvalidVAPIDKey, len(raw))
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVAPIDKey, err)
	}
	return raw, nil
}

// EncodeKey base64url-encodes key material without padding.
func EncodeKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

package push

import (
	"fmt"
	"strings"
	"sync"
)

// Permission is the notification permission state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission accepts the three permission names (case-insensitive).
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return p, nil
	case "":
		return PermissionDefault, nil
	default:
		return "", fmt.Errorf("push: unknown permission %q", s)
	}
}

// permissionState tracks the negotiated permission. Denied is terminal: once
// observed it never changes and no further prompt is issued.
type permissionState struct {
	mu sync.Mutex
	p  Permission
}

func (s *permissionState) get() Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == "" {
		return PermissionDefault
	}
	return s.p
}

// observe records a permission reported by the platform and returns the
// effective state.
func (s *permissionState) observe(p Permission) Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == PermissionDenied {
		return PermissionDenied
	}
	switch p {
	case PermissionGranted, PermissionDenied:
		s.p = p
	default:
		if s.p == "" {
			s.p = PermissionDefault
		}
	}
	return s.p
}

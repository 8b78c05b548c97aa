package realtime

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// enforceOrigin applies the browser origin allowlist. Non-browser clients send
// no Origin and pass unless required.
func enforceOrigin(origin string, allowed []string, required bool) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if required {
			return fmt.Errorf("missing origin")
		}
		return nil
	}
	if len(allowed) == 0 {
		return fmt.Errorf("origin not allowed (no allowlist): %s", origin)
	}

	host := originHost(origin)
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", a == origin:
			return nil
		case host != "" && host == originHost(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost extracts the lower-cased host of an origin or host[:port] string.
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.Accept host patterns from the allowlist so
// both origin layers agree.
func originPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if h := originHost(a); h != "" && h != "*" {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

package authapi

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

type lockoutTier struct {
	Threshold int
	Duration  time.Duration
}

// evaluateWindowThrottle blocks once max failures fall inside window. The
// retry delay is the time until enough of them age out to admit one more.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	recent := make([]time.Time, 0, len(failures))
	for _, f := range failures {
		if f.After(cut) && !f.After(now) {
			recent = append(recent, f)
		}
	}
	if len(recent) < max {
		return false, 0
	}
	slices.SortFunc(recent, func(a, b time.Time) int { return a.Compare(b) })
	until := recent[len(recent)-max].Add(window)
	return true, until.Sub(now)
}

// evaluateProgressiveLockout applies the most severe tier whose threshold is
// met. A tier locks until its duration has passed since the newest failure.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []lockoutTier) (bool, time.Duration) {
	if len(failures) == 0 {
		return false, 0
	}
	newest := failures[0]
	for _, f := range failures[1:] {
		if f.After(newest) {
			newest = f
		}
	}

	ordered := slices.Clone(tiers)
	slices.SortFunc(ordered, func(a, b lockoutTier) int { return b.Threshold - a.Threshold })
	for _, t := range ordered {
		if t.Threshold <= 0 || len(failures) < t.Threshold {
			continue
		}
		until := newest.Add(t.Duration)
		if until.After(now) {
			return true, until.Sub(now)
		}
	}
	return false, 0
}

// failureLog keeps recent sign-in failures per client IP and per email.
type failureLog struct {
	mu        sync.Mutex
	retention time.Duration
	byIP      map[string][]time.Time
	byEmail   map[string][]time.Time
}

func newFailureLog(retention time.Duration) *failureLog {
	return &failureLog{
		retention: retention,
		byIP:      make(map[string][]time.Time),
		byEmail:   make(map[string][]time.Time),
	}
}

func emailKey(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func (l *failureLog) record(now time.Time, ip, email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ip != "" {
		l.byIP[ip] = append(prune(l.byIP[ip], now, l.retention), now)
	}
	if k := emailKey(email); k != "" {
		l.byEmail[k] = append(prune(l.byEmail[k], now, l.retention), now)
	}
}

// reset forgets an email's failures after a successful sign-in. IP history is
// kept so one good account cannot launder a sprayer's address.
func (l *failureLog) reset(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byEmail, emailKey(email))
}

func (l *failureLog) snapshot(now time.Time, ip, email string) (ipFailures, emailFailures []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ip != "" {
		l.byIP[ip] = prune(l.byIP[ip], now, l.retention)
		ipFailures = slices.Clone(l.byIP[ip])
		if len(l.byIP[ip]) == 0 {
			delete(l.byIP, ip)
		}
	}
	if k := emailKey(email); k != "" {
		l.byEmail[k] = prune(l.byEmail[k], now, l.retention)
		emailFailures = slices.Clone(l.byEmail[k])
		if len(l.byEmail[k]) == 0 {
			delete(l.byEmail, k)
		}
	}
	return ipFailures, emailFailures
}

func prune(ts []time.Time, now time.Time, retention time.Duration) []time.Time {
	cut := now.Add(-retention)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cut) {
			out = append(out, t)
		}
	}
	return out
}

// signInThrottled combines the per-IP window and the per-email lockout.
func (h *Handler) signInThrottled(now time.Time, ip, email string) (bool, time.Duration) {
	ipFailures, emailFailures := h.failures.snapshot(now, ip, email)
	if blocked, retry := evaluateWindowThrottle(now, ipFailures, h.cfg.SignInIPMax, h.cfg.SignInIPWindow); blocked {
		return true, retry
	}
	return evaluateProgressiveLockout(now, emailFailures, h.cfg.lockoutTiers())
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

// Package retry runs network-bound operations with bounded attempts and
// exponential backoff, short-circuiting on client (4xx) failures.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is per-call retry configuration.
type Policy struct {
	// MaxAttempts counts every call of fn, including the first. Values < 1 mean 1.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration
	// BackoffMultiplier scales the delay for each further attempt. Values < 1 mean 1.
	BackoffMultiplier float64
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultAuthPolicy is used for sign-in, sign-up and password operations.
func DefaultAuthPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, BackoffMultiplier: 2}
}

// DefaultSignOutPolicy is used for provider sign-out.
func DefaultSignOutPolicy() Policy {
	return Policy{MaxAttempts: 2, BaseDelay: time.Second, BackoffMultiplier: 2}
}

// Delay returns the wait inserted before attempt n (n >= 2):
// BaseDelay * BackoffMultiplier^(n-2), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 2 || p.BaseDelay <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.multiplier(), float64(n-2))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) multiplier() float64 {
	if p.BackoffMultiplier < 1 {
		return 1
	}
	return p.BackoffMultiplier
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     max(p.BaseDelay, 0),
		RandomizationFactor: 0,
		Multiplier:          p.multiplier(),
		MaxInterval:         maxDelay,
	}
}

// Observer receives the outcome of every attempt. attempt is 1-based.
type Observer func(attempt int, err error)

type options struct {
	notify   backoff.Notify
	observer Observer
}

// Option customizes a single Do call.
type Option func(*options)

// WithNotify is called before each wait with the failed attempt's error and the delay.
func WithNotify(fn func(err error, next time.Duration)) Option {
	return func(o *options) { o.notify = fn }
}

// WithObserver is called after every attempt, successful or not.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// policy's attempts, or ctx is cancelled while waiting.
//
// Non-retryable and final errors are returned exactly as fn produced them.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	attempt := 0
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if o.observer != nil {
			o.observer(attempt, err)
		}
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	ropts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.attempts())),
		backoff.WithMaxElapsedTime(0),
	}
	if o.notify != nil {
		ropts = append(ropts, backoff.WithNotify(o.notify))
	}

	v, err := backoff.Retry(ctx, op, ropts...)

	// MaxTries is checked before the permanent marker, so it may still be attached.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, err
}

// Status returns the HTTP-like status carried by err's chain, or 0.
func Status(err error) int {
	var st interface{ HTTPStatus() int }
	if errors.As(err, &st) {
		return st.HTTPStatus()
	}
	return 0
}

// IsRetryable reports whether err should be retried: everything except errors
// carrying a 4xx status. Timeouts and transport failures are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	s := Status(err)
	return s < 400 || s > 499
}

package session

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"gearhub/cmd/internal/auth/retry"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("session: invalid config")

// Config tunes the Manager.
type Config struct {
	// AuthPolicy wraps sign-in, sign-up, password reset and password update.
	AuthPolicy retry.Policy
	// SignOutPolicy wraps the provider sign-out call.
	SignOutPolicy retry.Policy

	// ResetRedirectURL is where the recovery email links to. Optional.
	ResetRedirectURL string

	// LoadTimeout bounds each background load. Zero means no bound beyond the
	// collaborators' own timeouts.
	LoadTimeout time.Duration
}

// DefaultConfig keeps 3 attempts for auth calls and 2 for sign-out.
func DefaultConfig() Config {
	return Config{
		AuthPolicy:    retry.DefaultAuthPolicy(),
		SignOutPolicy: retry.DefaultSignOutPolicy(),
		LoadTimeout:   15 * time.Second,
	}
}

// Validate reports the first invalid field wrapped in ErrConfig.
func (c Config) Validate() error {
	for name, p := range map[string]retry.Policy{"auth": c.AuthPolicy, "sign-out": c.SignOutPolicy} {
		if p.MaxAttempts < 1 || p.MaxAttempts > 10 {
			return fmt.Errorf("%w: %s attempts must be in [1,10], got %d", ErrConfig, name, p.MaxAttempts)
		}
		if p.BaseDelay < 0 || p.MaxDelay < 0 {
			return fmt.Errorf("%w: %s delays must not be negative", ErrConfig, name)
		}
		if p.BackoffMultiplier < 1 {
			return fmt.Errorf("%w: %s backoff multiplier must be >= 1", ErrConfig, name)
		}
	}
	if c.LoadTimeout < 0 {
		return fmt.Errorf("%w: negative load timeout", ErrConfig)
	}
	if c.ResetRedirectURL != "" {
		u, err := url.Parse(c.ResetRedirectURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: invalid reset redirect url %q", ErrConfig, c.ResetRedirectURL)
		}
	}
	return nil
}

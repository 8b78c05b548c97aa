package authapi

import (
	"time"

	"gearhub/cmd/security/password"
)

// Config controls the local control API.
type Config struct {
	// ControlToken, when set, must be presented as a bearer token on every
	// /v1 route.
	ControlToken string
	TrustProxy   bool
	MaxBodyBytes int64

	// Password is checked locally on sign-up and password update.
	Password password.Policy

	SignInIPMax    int
	SignInIPWindow time.Duration

	LockoutShortThreshold  int
	LockoutShortDuration   time.Duration
	LockoutLongThreshold   int
	LockoutLongDuration    time.Duration
	LockoutSevereThreshold int
	LockoutSevereDuration  time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:           64 << 10,
		Password:               password.DefaultPolicy(),
		SignInIPMax:            20,
		SignInIPWindow:         5 * time.Minute,
		LockoutShortThreshold:  5,
		LockoutShortDuration:   5 * time.Minute,
		LockoutLongThreshold:   10,
		LockoutLongDuration:    30 * time.Minute,
		LockoutSevereThreshold: 20,
		LockoutSevereDuration:  2 * time.Hour,
	}
}

// normalized fills zero values from DefaultConfig.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.Password == (password.Policy{}) {
		c.Password = d.Password
	}
	if c.SignInIPMax <= 0 {
		c.SignInIPMax = d.SignInIPMax
	}
	if c.SignInIPWindow <= 0 {
		c.SignInIPWindow = d.SignInIPWindow
	}
	if c.LockoutShortThreshold <= 0 && c.LockoutLongThreshold <= 0 && c.LockoutSevereThreshold <= 0 {
		c.LockoutShortThreshold, c.LockoutShortDuration = d.LockoutShortThreshold, d.LockoutShortDuration
		c.LockoutLongThreshold, c.LockoutLongDuration = d.LockoutLongThreshold, d.LockoutLongDuration
		c.LockoutSevereThreshold, c.LockoutSevereDuration = d.LockoutSevereThreshold, d.LockoutSevereDuration
	}
	return c
}

func (c Config) lockoutTiers() []lockoutTier {
	tiers := make([]lockoutTier, 0, 3)
	for _, t := range []lockoutTier{
		{Threshold: c.LockoutSevereThreshold, Duration: c.LockoutSevereDuration},
		{Threshold: c.LockoutLongThreshold, Duration: c.LockoutLongDuration},
		{Threshold: c.LockoutShortThreshold, Duration: c.LockoutShortDuration},
	} {
		if t.Threshold > 0 && t.Duration > 0 {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

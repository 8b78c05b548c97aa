package authapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigNormalized_FillsZeroValues(t *testing.T) {
	cfg := Config{ControlToken: "t"}.normalized()
	assert.Equal(t, "t", cfg.ControlToken)
	assert.Equal(t, int64(64<<10), cfg.MaxBodyBytes)
	assert.Equal(t, 20, cfg.SignInIPMax)
	assert.Len(t, cfg.lockoutTiers(), 3)
}

func TestConfigLockoutTiers_SkipsDisabledAndOrdersBySeverity(t *testing.T) {
	cfg := Config{
		LockoutShortThreshold: 3, LockoutShortDuration: time.Minute,
		LockoutSevereThreshold: 9, LockoutSevereDuration: time.Hour,
	}.normalized()

	assert.Equal(t, []lockoutTier{
		{Threshold: 9, Duration: time.Hour},
		{Threshold: 3, Duration: time.Minute},
	}, cfg.lockoutTiers())
}

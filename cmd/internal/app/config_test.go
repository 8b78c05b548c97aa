package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gearhub/cmd/internal/push"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("GEARHUB_IDENTITY_URL", "https://auth.gearhub.example/auth/v1")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.HTTPAddr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 15*time.Second, cfg.LoadTimeout)
	assert.Equal(t, []string{"http://localhost", "http://127.0.0.1"}, cfg.GatewayAllowedOrigins)

	sc := cfg.SessionConfig()
	assert.Equal(t, 3, sc.AuthPolicy.MaxAttempts)
	assert.Equal(t, 2, sc.SignOutPolicy.MaxAttempts)
	assert.Equal(t, time.Second, sc.AuthPolicy.BaseDelay)
	assert.InDelta(t, 2.0, sc.AuthPolicy.BackoffMultiplier, 1e-9)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("GEARHUB_IDENTITY_URL", "https://auth.gearhub.example/auth/v1")
	t.Setenv("GEARHUB_RETRY_AUTH_ATTEMPTS", "5")
	t.Setenv("GEARHUB_RETRY_SIGNOUT_ATTEMPTS", "1")
	t.Setenv("GEARHUB_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("GEARHUB_PUSH_URL", "https://api.gearhub.example/push/v1")
	t.Setenv("GEARHUB_PUSH_PERMISSION", "granted")
	t.Setenv("GEARHUB_CONTROL_TOKEN", "tok")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.SessionConfig().AuthPolicy.MaxAttempts)
	assert.Equal(t, 1, cfg.SessionConfig().SignOutPolicy.MaxAttempts)
	assert.Len(t, cfg.CORSAllowedOrigins, 2)
	assert.Equal(t, "tok", cfg.ControlConfig().ControlToken)

	hc := cfg.HeadlessConfig("dev-1")
	assert.Equal(t, push.PermissionGranted, hc.Permission)
	assert.Equal(t, push.PermissionGranted, hc.PromptAnswer)
	assert.Equal(t, "dev-1", hc.Device.ID)
	assert.Equal(t, "gearhub-agent", hc.Device.Name)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing identity url", env: map[string]string{}},
		{name: "relative identity url", env: map[string]string{"GEARHUB_IDENTITY_URL": "/auth/v1"}},
		{name: "bad realtime scheme", env: map[string]string{"GEARHUB_REALTIME_URL": "http://rt.example"}},
		{name: "bad log format", env: map[string]string{"GEARHUB_LOG_FORMAT": "xml"}},
		{name: "zero attempts", env: map[string]string{"GEARHUB_RETRY_AUTH_ATTEMPTS": "0"}},
		{name: "bad permission", env: map[string]string{"GEARHUB_PUSH_URL": "https://push.example", "GEARHUB_PUSH_PERMISSION": "maybe"}},
		{name: "unparseable duration", env: map[string]string{"GEARHUB_LOAD_TIMEOUT": "soon"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := tc.env["GEARHUB_IDENTITY_URL"]; !ok && tc.name != "missing identity url" {
				t.Setenv("GEARHUB_IDENTITY_URL", "https://auth.gearhub.example/auth/v1")
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.ErrorIs(t, err, ErrConfig)
		})
	}
}

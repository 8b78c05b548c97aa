package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	authapi "gearhub/cmd/internal/auth/api"
	"gearhub/cmd/internal/auth/retry"
	"gearhub/cmd/internal/auth/session"
	"gearhub/cmd/internal/push"
	"gearhub/cmd/internal/realtime"
)

// ErrConfig is returned for missing or invalid configuration.
var ErrConfig = errors.New("app: invalid config")

const envPrefix = "GEARHUB_"

// Config contains all runtime configuration loaded from GEARHUB_* variables.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`

	// Identity provider.
	IdentityURL         string        `env:"IDENTITY_URL"`
	IdentityAPIKey      string        `env:"IDENTITY_API_KEY"`
	IdentityTimeout     time.Duration `env:"IDENTITY_TIMEOUT" envDefault:"10s"`
	IdentitySessionFile string        `env:"IDENTITY_SESSION_FILE"`

	// Profile store. Empty DatabaseURL selects the in-memory store.
	DatabaseURL        string `env:"DATABASE_URL"`
	DBSchema           string `env:"DB_SCHEMA" envDefault:"public"`
	DBMaxConns         int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns         int32  `env:"DB_MIN_CONNS" envDefault:"0"`
	ReadinessRequireDB bool   `env:"READINESS_REQUIRE_DB"`

	// Realtime. Empty RealtimeURL selects the in-process hub.
	RealtimeURL              string        `env:"REALTIME_URL"`
	RealtimeHeartbeat        time.Duration `env:"REALTIME_HEARTBEAT" envDefault:"25s"`
	RealtimeReconnectBase    time.Duration `env:"REALTIME_RECONNECT_BASE" envDefault:"500ms"`
	RealtimeReconnectMax     time.Duration `env:"REALTIME_RECONNECT_MAX" envDefault:"30s"`
	RealtimeReconnectRetries int           `env:"REALTIME_RECONNECT_RETRIES" envDefault:"0"`
	GatewayAllowedOrigins    []string      `env:"GATEWAY_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`

	// Push. Empty PushURL disables push.
	PushURL              string        `env:"PUSH_URL"`
	PushAPIKey           string        `env:"PUSH_API_KEY"`
	PushTimeout          time.Duration `env:"PUSH_TIMEOUT" envDefault:"10s"`
	PushEndpointBase     string        `env:"PUSH_ENDPOINT_BASE" envDefault:"https://push.gearhub.local/device"`
	PushPermission       string        `env:"PUSH_PERMISSION" envDefault:"default"`
	PushPromptAnswer     string        `env:"PUSH_PROMPT_ANSWER" envDefault:"granted"`
	PushDeviceID         string        `env:"PUSH_DEVICE_ID"`
	PushDeviceName       string        `env:"PUSH_DEVICE_NAME" envDefault:"gearhub-agent"`
	PushDeviceLanguage   string        `env:"PUSH_DEVICE_LANGUAGE" envDefault:"en"`
	PushHeadlessDisabled bool          `env:"PUSH_HEADLESS_DISABLED"`

	// Retry policies.
	RetryAuthAttempts    int           `env:"RETRY_AUTH_ATTEMPTS" envDefault:"3"`
	RetrySignOutAttempts int           `env:"RETRY_SIGNOUT_ATTEMPTS" envDefault:"2"`
	RetryBaseDelay       time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay        time.Duration `env:"RETRY_MAX_DELAY" envDefault:"8s"`
	RetryMultiplier      float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`

	ResetRedirectURL string        `env:"RESET_REDIRECT_URL"`
	LoadTimeout      time.Duration `env:"LOAD_TIMEOUT" envDefault:"15s"`

	// Control API.
	ControlToken string `env:"CONTROL_TOKEN"`
	TrustProxy   bool   `env:"TRUST_PROXY"`
	DevNotify    bool   `env:"DEV_NOTIFY"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`
}

// LoadConfig parses GEARHUB_* environment variables and validates the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting wrapped in ErrConfig.
func (c Config) Validate() error {
	if strings.TrimSpace(c.IdentityURL) == "" {
		return fmt.Errorf("%w: %sIDENTITY_URL is required", ErrConfig, envPrefix)
	}
	if err := httpURL(c.IdentityURL); err != nil {
		return fmt.Errorf("%w: %sIDENTITY_URL: %v", ErrConfig, envPrefix, err)
	}
	if c.PushURL != "" {
		if err := httpURL(c.PushURL); err != nil {
			return fmt.Errorf("%w: %sPUSH_URL: %v", ErrConfig, envPrefix, err)
		}
		for name, v := range map[string]string{"PUSH_PERMISSION": c.PushPermission, "PUSH_PROMPT_ANSWER": c.PushPromptAnswer} {
			if _, err := push.ParsePermission(v); err != nil {
				return fmt.Errorf("%w: %s%s: %v", ErrConfig, envPrefix, name, err)
			}
		}
	}
	if c.RealtimeURL != "" && !strings.HasPrefix(c.RealtimeURL, "ws://") && !strings.HasPrefix(c.RealtimeURL, "wss://") {
		return fmt.Errorf("%w: %sREALTIME_URL must be ws:// or wss://", ErrConfig, envPrefix)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("%w: %sLOG_FORMAT must be json, text or pretty", ErrConfig, envPrefix)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("%w: %sDB_MIN_CONNS exceeds %sDB_MAX_CONNS", ErrConfig, envPrefix, envPrefix)
	}
	if err := c.SessionConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

func httpURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("want an absolute http(s) url, got %q", raw)
	}
	return nil
}

// SessionConfig derives the session manager settings.
func (c Config) SessionConfig() session.Config {
	policy := func(attempts int) retry.Policy {
		return retry.Policy{
			MaxAttempts:       attempts,
			BaseDelay:         c.RetryBaseDelay,
			BackoffMultiplier: c.RetryMultiplier,
			MaxDelay:          c.RetryMaxDelay,
		}
	}
	return session.Config{
		AuthPolicy:       policy(c.RetryAuthAttempts),
		SignOutPolicy:    policy(c.RetrySignOutAttempts),
		ResetRedirectURL: c.ResetRedirectURL,
		LoadTimeout:      c.LoadTimeout,
	}
}

// ControlConfig derives the control API settings.
func (c Config) ControlConfig() authapi.Config {
	cfg := authapi.DefaultConfig()
	cfg.ControlToken = c.ControlToken
	cfg.TrustProxy = c.TrustProxy
	return cfg
}

// GatewayConfig derives the local realtime gateway settings.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	cfg := realtime.DefaultGatewayConfig()
	if len(c.GatewayAllowedOrigins) > 0 {
		cfg.AllowedOrigins = c.GatewayAllowedOrigins
	}
	return cfg
}

// HeadlessConfig derives the headless push platform settings.
func (c Config) HeadlessConfig(deviceID string) push.HeadlessConfig {
	perm, _ := push.ParsePermission(c.PushPermission)
	answer, _ := push.ParsePermission(c.PushPromptAnswer)
	return push.HeadlessConfig{
		EndpointBase: c.PushEndpointBase,
		Permission:   perm,
		PromptAnswer: answer,
		Device: push.DeviceInfo{
			ID:       deviceID,
			Platform: "headless",
			Name:     c.PushDeviceName,
			Language: c.PushDeviceLanguage,
		},
	}
}

// Package app wires the gearhub session agent: config, logging, tracing, the
// identity provider, the profile store, realtime, push and the local HTTP
// surface.
package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"gearhub/cmd/identity"
	"gearhub/cmd/identity/ids"
	authapi "gearhub/cmd/internal/auth/api"
	"gearhub/cmd/internal/auth/session"
	"gearhub/cmd/internal/profile"
	"gearhub/cmd/internal/push"
	"gearhub/cmd/internal/realtime"
	"gearhub/cmd/internal/telemetry"
)

// App owns every long-lived component of the agent.
type App struct {
	cfg Config
	log Logger

	metrics *telemetry.Metrics
	pool    *pgxpool.Pool

	provider *identity.HTTPProvider
	sessions *session.Manager
	bridge   *realtime.Bridge
	push     *push.Manager
	control  *authapi.Handler

	// gatewayHub feeds local WebSocket clients from the bridge mirror.
	gatewayHub *realtime.Hub
	gateway    *realtime.Gateway
	// sourceHub is the in-process transport's hub; nil with a remote gateway.
	sourceHub *realtime.Hub

	shutdownTracing func(context.Context) error
}

// New constructs a fully wired App. It does not start anything.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a = &App{cfg: cfg, log: log, metrics: telemetry.New()}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if a.shutdownTracing, err = SetupTracing(ctx, cfg); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	if err := a.initProvider(); err != nil {
		return nil, err
	}
	store, err := a.initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.initRealtime(); err != nil {
		return nil, err
	}
	if err := a.initPush(); err != nil {
		return nil, err
	}

	deps := session.Deps{Provider: a.provider, Store: store, Channels: a.bridge}
	if a.push != nil {
		deps.Push = a.push
	}
	a.sessions, err = session.NewManager(cfg.SessionConfig(), deps,
		session.WithLogger(log),
		session.WithMetrics(a.metrics),
		session.WithTracerProvider(otel.GetTracerProvider()),
	)
	if err != nil {
		return nil, err
	}

	a.control, err = authapi.NewHandler(log, a.sessions, cfg.ControlConfig())
	if err != nil {
		return nil, err
	}
	a.gateway, err = realtime.NewGateway(log, a.gatewayHub, a.authenticateGateway, cfg.GatewayConfig())
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) initProvider() error {
	var store identity.SessionStore = identity.NewMemorySessionStore()
	if a.cfg.IdentitySessionFile != "" {
		fs, err := identity.NewFileSessionStore(a.cfg.IdentitySessionFile)
		if err != nil {
			return fmt.Errorf("identity session file: %w", err)
		}
		store = fs
	}

	p, err := identity.NewHTTPProvider(identity.HTTPConfig{
		BaseURL: a.cfg.IdentityURL,
		APIKey:  a.cfg.IdentityAPIKey,
		Timeout: a.cfg.IdentityTimeout,
	}, store, identity.WithProviderLogger(a.log))
	if err != nil {
		return err
	}
	a.provider = p
	return nil
}

// initStore selects Postgres when a database URL is configured and the
// in-memory store otherwise.
func (a *App) initStore(ctx context.Context) (profile.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return profile.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	a.pool = pool

	st, err := profile.NewPostgresStore(pool, profile.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return st, nil
}

func (a *App) initRealtime() error {
	a.gatewayHub = realtime.NewHub(a.log)

	var transport realtime.Transport
	if a.cfg.RealtimeURL == "" {
		a.sourceHub = realtime.NewHub(a.log)
		transport = realtime.NewMemoryTransport(a.sourceHub)
		a.log.Info("realtime.transport.memory")
	} else {
		ws, err := realtime.NewWSTransport(realtime.WSConfig{
			URL:                  a.cfg.RealtimeURL,
			Tokens:               a.provider.AccessToken,
			HeartbeatEvery:       a.cfg.RealtimeHeartbeat,
			ReconnectBase:        a.cfg.RealtimeReconnectBase,
			ReconnectMax:         a.cfg.RealtimeReconnectMax,
			MaxReconnectAttempts: a.cfg.RealtimeReconnectRetries,
		}, a.log, a.metrics)
		if err != nil {
			return err
		}
		transport = ws
		a.log.Info("realtime.transport.ws", "url", a.cfg.RealtimeURL)
	}

	a.bridge = realtime.NewBridge(transport,
		realtime.WithBridgeLogger(a.log),
		realtime.WithBridgeMetrics(a.metrics),
		realtime.WithMirror(a.gatewayHub),
	)
	return nil
}

func (a *App) initPush() error {
	if a.cfg.PushURL == "" {
		a.log.Info("push.disabled")
		return nil
	}

	server, err := push.NewHTTPServer(push.HTTPServerConfig{
		BaseURL: a.cfg.PushURL,
		APIKey:  a.cfg.PushAPIKey,
		Timeout: a.cfg.PushTimeout,
		Tokens:  a.provider.AccessToken,
	}, nil, a.log)
	if err != nil {
		return err
	}

	var platform push.Platform = push.UnsupportedPlatform{}
	if !a.cfg.PushHeadlessDisabled {
		deviceID := a.cfg.PushDeviceID
		if deviceID == "" {
			deviceID = ids.MustNew()
		}
		platform = push.NewHeadlessPlatform(a.cfg.HeadlessConfig(deviceID))
	}

	a.push = push.NewManager(platform, server,
		push.WithLogger(a.log),
		push.WithMetrics(a.metrics),
	)
	return nil
}

// authenticateGateway admits local WebSocket clients presenting either the
// control token or the current access token, as the signed-in identity.
func (a *App) authenticateGateway(ctx context.Context, token string) (string, error) {
	st := a.sessions.State()
	if !st.Authenticated() {
		return "", session.ErrNotAuthenticated
	}
	if a.cfg.ControlToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.ControlToken)) == 1 {
		return st.UserID(), nil
	}
	access, err := a.provider.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	if access == "" || subtle.ConstantTimeCompare([]byte(token), []byte(access)) != 1 {
		return "", errors.New("app: gateway token rejected")
	}
	return st.UserID(), nil
}

// Sessions exposes the session manager (tests, embedding).
func (a *App) Sessions() *session.Manager { return a.sessions }

// Run restores the session, follows provider auth events and serves HTTP
// until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	authDone := make(chan error, 1)
	go func() { authDone <- a.sessions.Run(runCtx) }()
	a.sessions.Restore(runCtx)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.pool != nil,
		"push_enabled", a.push != nil,
		"realtime_remote", a.sourceHub == nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	case err := <-authDone:
		a.log.Warn("server.stop", "reason", "auth_stream_closed", "err", err)
		runErr = err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}
	cancel()
	a.Close(shutdownCtx)

	a.log.Info("server.stopped")
	return runErr
}

// Close releases every component. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.provider != nil {
		a.provider.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.log.Warn("tracing.shutdown.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

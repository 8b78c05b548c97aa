package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "gearhub/shared/contracts/realtime/v1"
)

const gatewayCloseGrace = time.Second

// Authenticator resolves a hello access token to an identity id.
type Authenticator func(ctx context.Context, accessToken string) (userID string, err error)

// GatewayConfig tunes the WebSocket gateway.
type GatewayConfig struct {
	// AllowedOrigins is the browser origin allowlist ("*" allows any).
	AllowedOrigins []string
	// OriginRequired rejects requests without an Origin header.
	OriginRequired bool
	// InsecureSkipVerify disables websocket.Accept's own origin check (dev only).
	InsecureSkipVerify bool

	WriteTimeout     time.Duration
	ReadIdleTimeout  time.Duration
	SendQueueSize    int
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	RateEvents       int
	RateWindow       time.Duration
}

// DefaultGatewayConfig returns localhost-only defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     defaultWriteTimeout,
		ReadIdleTimeout:  defaultReadIdle,
		SendQueueSize:    defaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = max(def.SendQueueSize, minSendQueueSize)
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// Gateway serves the v1 realtime protocol over WebSocket from a Hub.
//
// A connection must say hello with an access token first; it may then join
// only its own notifications channel.
type Gateway struct {
	log  *slog.Logger
	hub  *Hub
	auth Authenticator
	cfg  GatewayConfig

	originPatterns []string
}

// NewGateway constructs a gateway. auth is required.
func NewGateway(log *slog.Logger, hub *Hub, auth Authenticator, cfg GatewayConfig) (*Gateway, error) {
	if hub == nil || auth == nil {
		return nil, errors.New("realtime: gateway requires a hub and an authenticator")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		hub:            hub,
		auth:           auth,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}, nil
}

// gwConn is the per-connection state owned by the read loop.
type gwConn struct {
	id     string
	conn   *websocket.Conn
	client *Client
	userID string
	joined map[string]struct{}
}

// ServeHTTP upgrades the request and runs the connection until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := enforceOrigin(r.Header.Get("Origin"), g.cfg.AllowedOrigins, g.cfg.OriginRequired); err != nil {
		g.log.Info("realtime.gw.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("realtime.gw.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("realtime.gw.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "id")
		return
	}
	st := &gwConn{
		id:     connID,
		conn:   conn,
		client: NewClient(connID, "", g.cfg.SendQueueSize),
		joined: make(map[string]struct{}),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	// shutdown leaves every topic before closing the client so broadcasters
	// never hold a member that is being torn down.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for ch := range st.joined {
				g.hub.Leave(ch, st.id)
			}
			st.client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-st.client.Done():
				return
			case env := <-st.client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("realtime.gw.write.fail", "conn_id", st.id, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		err := heartbeat(ctx, conn, g.cfg.HeartbeatEvery, g.cfg.HeartbeatTimeout, func(failures int, err error) {
			g.log.Info("realtime.gw.ping.fail", "conn_id", st.id, "failures", failures, "err", err)
		})
		if err != nil {
			shutdown(websocket.StatusGoingAway, "heartbeat failed")
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				g.trySendError(ctx, st.client, "bad_json", "invalid JSON")
				continue readLoop
			case readErrClose, readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "bye")
			default:
				g.log.Info("realtime.gw.read.fail", "conn_id", st.id, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(time.Now().UTC()) {
			g.sendFatal(ctx, conn, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, st.client, "bad_envelope", err.Error())
			continue readLoop
		}

		if env.Type != v1.TypeHello && st.userID == "" {
			g.trySendError(ctx, st.client, "unauthenticated", "hello first")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, st, env); err != nil {
				g.sendFatal(ctx, conn, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
		case v1.TypeChannelJoin:
			if err := g.onJoin(ctx, st, env); err != nil {
				g.trySendError(ctx, st.client, "join_failed", err.Error())
			}
		case v1.TypeChannelLeave:
			if _, ok := st.joined[env.Channel]; ok {
				g.hub.Leave(env.Channel, st.id)
				delete(st.joined, env.Channel)
			}
		default:
			g.trySendError(ctx, st.client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(gatewayCloseGrace):
	}
}

func (g *Gateway) onHello(ctx context.Context, st *gwConn, env v1.Envelope) error {
	if st.userID != "" {
		return errors.New("already authenticated")
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	token := strings.TrimSpace(p.AccessToken)
	if token == "" {
		return errors.New("missing access_token")
	}

	userID, err := g.auth(ctx, token)
	if err != nil || strings.TrimSpace(userID) == "" {
		g.log.Info("realtime.gw.hello.reject", "conn_id", st.id, "err", err)
		return ErrUnauthorized
	}
	st.userID = userID
	st.client.UserID = userID

	ack, err := newEnvelope(v1.TypeHelloAck, "", v1.HelloAckPayload{ConnectionID: st.id, UserID: userID}, time.Now())
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, st.client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	g.log.Info("realtime.gw.hello", "conn_id", st.id, "user_id", userID)
	return nil
}

func (g *Gateway) onJoin(ctx context.Context, st *gwConn, env v1.Envelope) error {
	if env.Channel != v1.NotificationsChannel(st.userID) {
		return errors.New("forbidden channel")
	}

	var p v1.ChannelJoinPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	g.hub.Join(env.Channel, st.client)
	st.joined[env.Channel] = struct{}{}

	echo, err := newEnvelope(v1.TypeChannelJoin, env.Channel, p, time.Now())
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, st.client, echo) {
		g.hub.Leave(env.Channel, st.id)
		delete(st.joined, env.Channel)
		return errors.New("backpressure: join echo")
	}
	return nil
}

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	env, err := newEnvelope(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg}, time.Now())
	if err != nil {
		return
	}
	_ = g.enqueue(ctx, client, env)
}

// sendFatal writes an error envelope directly, bypassing the send queue, so it
// reaches the peer before the connection is closed.
func (g *Gateway) sendFatal(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env, err := newEnvelope(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg}, time.Now())
	if err != nil {
		return
	}
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// heartbeat pings conn every interval until ctx ends. It returns an error after
// maxPingFailures consecutive failures.
func heartbeat(ctx context.Context, conn *websocket.Conn, every, timeout time.Duration, onFail func(int, error)) error {
	t := time.NewTicker(every)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := conn.Ping(pingCtx)
			cancel()

			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if onFail != nil {
				onFail(failures, err)
			}
			if failures >= maxPingFailures {
				return err
			}
		}
	}
}

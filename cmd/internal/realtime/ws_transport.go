package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	v1 "gearhub/shared/contracts/realtime/v1"
)

// TokenSource returns the access token sent in the hello envelope.
type TokenSource func(ctx context.Context) (string, error)

// WSConfig configures WSTransport.
type WSConfig struct {
	// URL is the gateway endpoint (ws:// or wss://).
	URL    string
	Tokens TokenSource

	HTTPClient *http.Client
	HTTPHeader http.Header

	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	// ReconnectBase and ReconnectMax bound the exponential reconnect delay.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// MaxReconnectAttempts per outage; zero means unlimited.
	MaxReconnectAttempts int
}

func (c WSConfig) withDefaults() WSConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = reconnectBase
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = max(reconnectMax, c.ReconnectBase)
	}
	return c
}

// WSTransport subscribes through a realtime gateway over WebSocket.
//
// Each subscription owns one connection. Lost connections are re-dialed with
// exponential backoff and the channel is rejoined on the same subscription.
type WSTransport struct {
	cfg     WSConfig
	log     *slog.Logger
	metrics Metrics
}

// NewWSTransport validates cfg and constructs a transport.
func NewWSTransport(cfg WSConfig, log *slog.Logger, metrics Metrics) (*WSTransport, error) {
	u := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return nil, fmt.Errorf("realtime: gateway url must be ws:// or wss://, got %q", cfg.URL)
	}
	if cfg.Tokens == nil {
		return nil, errors.New("realtime: nil token source")
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	cfg.URL = u
	return &WSTransport{cfg: cfg.withDefaults(), log: log, metrics: metrics}, nil
}

// Subscribe connects, authenticates and joins the requested channel. The first
// connection attempt is synchronous; later reconnects run in the background.
func (t *WSTransport) Subscribe(ctx context.Context, spec Spec) (Subscription, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	conn, err := t.connect(ctx, spec)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &wsSubscription{
		events: make(chan NotificationEvent, eventBufferSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go t.run(runCtx, s, spec, conn)
	return s, nil
}

type wsSubscription struct {
	events chan NotificationEvent
	done   chan struct{}

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *wsSubscription) Events() <-chan NotificationEvent { return s.events }
func (s *wsSubscription) Done() <-chan struct{}            { return s.done }

func (s *wsSubscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
}

func (t *WSTransport) run(ctx context.Context, s *wsSubscription, spec Spec, conn *websocket.Conn) {
	defer s.Close()

	for {
		err := t.pump(ctx, s, conn)
		_ = conn.CloseNow()
		if ctx.Err() != nil {
			return
		}
		t.log.Warn("realtime.ws.disconnected", "channel", spec.Channel, "err", err)

		conn, err = t.reconnect(ctx, spec)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Error("realtime.ws.reconnect.giveup", "channel", spec.Channel, "err", err)
			}
			return
		}
		t.metrics.Reconnected()
		t.log.Info("realtime.ws.reconnected", "channel", spec.Channel)
	}
}

func (t *WSTransport) reconnect(ctx context.Context, spec Spec) (*websocket.Conn, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     t.cfg.ReconnectBase,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         t.cfg.ReconnectMax,
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.log.Info("realtime.ws.reconnect.retry", "channel", spec.Channel, "next", next, "err", err)
		}),
	}
	if t.cfg.MaxReconnectAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(min(t.cfg.MaxReconnectAttempts, math.MaxInt32))))
	}

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		c, err := t.connect(ctx, spec)
		if errors.Is(err, ErrUnauthorized) {
			return nil, backoff.Permanent(err)
		}
		return c, err
	}, opts...)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return conn, err
}

// connect dials and completes hello + channel_join.
func (t *WSTransport) connect(ctx context.Context, spec Spec) (*websocket.Conn, error) {
	token, err := t.cfg.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("realtime: access token: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.cfg.URL, &websocket.DialOptions{
		HTTPClient:   t.cfg.HTTPClient,
		HTTPHeader:   t.cfg.HTTPHeader,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("realtime: gateway negotiated subprotocol %q", sp)
	}
	conn.SetReadLimit(maxFrameBytes)

	if err := t.handshake(ctx, conn, token, spec); err != nil {
		_ = conn.CloseNow()
		return nil, err
	}
	return conn, nil
}

func (t *WSTransport) handshake(ctx context.Context, conn *websocket.Conn, token string, spec Spec) error {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	hello, err := newEnvelope(v1.TypeHello, "", v1.HelloPayload{AccessToken: token}, time.Now())
	if err != nil {
		return err
	}
	if err := writeEnvelope(hsCtx, conn, hello, t.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("realtime: send hello: %w", err)
	}
	if _, err := expect(hsCtx, conn, v1.TypeHelloAck); err != nil {
		return err
	}

	join, err := newEnvelope(v1.TypeChannelJoin, spec.Channel, spec.Join, time.Now())
	if err != nil {
		return err
	}
	if err := writeEnvelope(hsCtx, conn, join, t.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("realtime: send join: %w", err)
	}
	if _, err := expect(hsCtx, conn, v1.TypeChannelJoin); err != nil {
		return err
	}
	return nil
}

// expect reads until an envelope of type want arrives. An error envelope fails
// the handshake; hello rejections map to ErrUnauthorized.
func expect(ctx context.Context, conn *websocket.Conn, want string) (v1.Envelope, error) {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return v1.Envelope{}, fmt.Errorf("realtime: awaiting %s: %w", want, err)
		}
		switch env.Type {
		case want:
			return env, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.Code == "hello_failed" || p.Code == "unauthenticated" {
				return v1.Envelope{}, fmt.Errorf("%w: %s", ErrUnauthorized, p.Message)
			}
			return v1.Envelope{}, fmt.Errorf("realtime: gateway error %s: %s", p.Code, p.Message)
		}
	}
}

// pump reads notifications until the connection fails or ctx ends.
func (t *WSTransport) pump(ctx context.Context, s *wsSubscription, conn *websocket.Conn) error {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbErr := make(chan error, 1)
	go func() {
		err := heartbeat(pumpCtx, conn, t.cfg.HeartbeatEvery, t.cfg.HeartbeatTimeout, func(failures int, err error) {
			t.log.Info("realtime.ws.ping.fail", "failures", failures, "err", err)
		})
		if err != nil {
			cancel()
		}
		hbErr <- err
	}()
	defer func() {
		cancel()
		<-hbErr
	}()

	for {
		env, err := readEnvelope(pumpCtx, conn)
		if err != nil {
			if classifyReadErr(err) == readErrBadJSON {
				t.log.Warn("realtime.ws.read.bad_json", "err", err)
				continue
			}
			select {
			case herr := <-hbErr:
				hbErr <- herr
				if herr != nil {
					return fmt.Errorf("heartbeat: %w", herr)
				}
			default:
			}
			return err
		}

		switch env.Type {
		case v1.TypeNotification:
			ev, err := decodeNotification(env, time.Now().UTC())
			if err != nil {
				t.log.Warn("realtime.ws.decode.fail", "err", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			t.log.Warn("realtime.ws.gateway.error", "code", p.Code, "message", p.Message)
		}
	}
}

package push

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Metrics observes push registration outcomes.
type Metrics interface {
	Subscribed(ok bool, reason string)
	Unsubscribed(ok bool)
	Sent(n int)
}

type nopMetrics struct{}

func (nopMetrics) Subscribed(bool, string) {}
func (nopMetrics) Unsubscribed(bool)       {}
func (nopMetrics) Sent(int)                {}

// Reasons reported to Metrics.Subscribed.
const (
	ReasonOK           = "ok"
	ReasonUnsupported  = "unsupported"
	ReasonDenied       = "denied"
	ReasonWorker       = "service_worker"
	ReasonKey          = "vapid_key"
	ReasonSubscription = "subscription"
	ReasonRegister     = "register"
)

// Manager drives the device push subscription lifecycle.
//
// Subscribe and Unsubscribe never return errors: push is optional, so every
// failure degrades to false and is logged.
type Manager struct {
	platform Platform
	server   Server
	log      *slog.Logger
	metrics  Metrics
	now      func() time.Time

	// mu serializes lifecycle calls so a prompt is never issued twice concurrently.
	mu   sync.Mutex
	perm permissionState
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithClock overrides the registration timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a Manager.
func NewManager(platform Platform, server Server, opts ...Option) *Manager {
	m := &Manager{
		platform: platform,
		server:   server,
		log:      slog.Default(),
		metrics:  nopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Permission reports the negotiated notification permission.
func (m *Manager) Permission() Permission {
	if m.platform == nil {
		return m.perm.get()
	}
	return m.perm.observe(m.platform.Permission())
}

// Supported reports whether the platform can receive push at all.
func (m *Manager) Supported() bool {
	return m.platform != nil && m.platform.Capabilities().Supported()
}

// Subscribe registers this device for userID's push notifications.
// It returns true only when the device is subscribed locally and registered
// with the server.
func (m *Manager) Subscribe(ctx context.Context, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID = strings.TrimSpace(userID)
	log := m.log.With("user_id", userID)

	if userID == "" || m.server == nil || !m.Supported() {
		log.Info("push.subscribe.unsupported")
		m.metrics.Subscribed(false, ReasonUnsupported)
		return false
	}

	if err := m.ensurePermission(ctx); err != nil {
		log.Info("push.subscribe.denied", "err", err)
		m.metrics.Subscribed(false, ReasonDenied)
		return false
	}

	worker, err := m.platform.ServiceWorker(ctx)
	if err != nil {
		log.Warn("push.subscribe.worker.fail", "err", err)
		m.metrics.Subscribed(false, ReasonWorker)
		return false
	}

	rawKey, err := m.server.VAPIDPublicKey(ctx)
	if err != nil {
		log.Warn("push.subscribe.key.fail", "err", err)
		m.metrics.Subscribed(false, ReasonKey)
		return false
	}
	key, err := DecodeVAPIDKey(rawKey)
	if err != nil {
		log.Warn("push.subscribe.key.invalid", "err", err)
		m.metrics.Subscribed(false, ReasonKey)
		return false
	}

	existing, err := worker.Subscription(ctx)
	if err != nil {
		log.Warn("push.subscribe.lookup.fail", "err", err)
		existing = nil
	}

	sub, err := worker.Subscribe(ctx, key)
	if err != nil || sub == nil || sub.Endpoint == "" {
		if err == nil {
			err = ErrNoSubscription
		}
		log.Warn("push.subscribe.create.fail", "err", err)
		m.metrics.Subscribed(false, ReasonSubscription)
		return false
	}
	created := existing == nil || existing.Endpoint != sub.Endpoint

	reg := Registration{
		UserID:       userID,
		Subscription: *sub,
		Device:       m.platform.Device(),
		CreatedAt:    m.now().UTC(),
	}
	if err := m.server.Register(ctx, reg); err != nil {
		log.Warn("push.subscribe.register.fail", "endpoint", sub.Endpoint, "err", err)
		if created {
			// Leave no local subscription the server does not know about.
			if uerr := worker.Unsubscribe(context.WithoutCancel(ctx), sub.Endpoint); uerr != nil {
				log.Warn("push.subscribe.rollback.fail", "endpoint", sub.Endpoint, "err", uerr)
			} else {
				log.Info("push.subscribe.rollback", "endpoint", sub.Endpoint)
			}
		}
		m.metrics.Subscribed(false, ReasonRegister)
		return false
	}

	log.Info("push.subscribe.ok", "endpoint", sub.Endpoint, "device_id", reg.Device.ID)
	m.metrics.Subscribed(true, ReasonOK)
	return true
}

// ensurePermission prompts only from the default state. A denied state is
// never prompted again.
func (m *Manager) ensurePermission(ctx context.Context) error {
	switch m.perm.observe(m.platform.Permission()) {
	case PermissionGranted:
		return nil
	case PermissionDenied:
		return ErrPermissionDenied
	}

	got, err := m.platform.RequestPermission(ctx)
	if err != nil {
		return err
	}
	if m.perm.observe(got) != PermissionGranted {
		return ErrPermissionDenied
	}
	return nil
}

// Unsubscribe removes this device's push subscription locally and on the
// server. With no local subscription it succeeds without doing anything.
func (m *Manager) Unsubscribe(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Supported() {
		m.metrics.Unsubscribed(true)
		return true
	}

	worker, err := m.platform.ServiceWorker(ctx)
	if err != nil {
		m.log.Warn("push.unsubscribe.worker.fail", "err", err)
		m.metrics.Unsubscribed(false)
		return false
	}

	sub, err := worker.Subscription(ctx)
	if err != nil {
		m.log.Warn("push.unsubscribe.lookup.fail", "err", err)
		m.metrics.Unsubscribed(false)
		return false
	}
	if sub == nil {
		m.log.Debug("push.unsubscribe.noop")
		m.metrics.Unsubscribed(true)
		return true
	}

	if err := worker.Unsubscribe(ctx, sub.Endpoint); err != nil {
		m.log.Warn("push.unsubscribe.local.fail", "endpoint", sub.Endpoint, "err", err)
		m.metrics.Unsubscribed(false)
		return false
	}

	if m.server != nil {
		if err := m.server.Unregister(ctx, sub.Endpoint); err != nil {
			m.log.Warn("push.unsubscribe.server.fail", "endpoint", sub.Endpoint, "err", err)
			m.metrics.Unsubscribed(false)
			return false
		}
	}

	m.log.Info("push.unsubscribe.ok", "endpoint", sub.Endpoint)
	m.metrics.Unsubscribed(true)
	return true
}

// Notify builds the payload for ev and asks the server to deliver it to every
// device registered for userIDs. It returns the number of deliveries.
func (m *Manager) Notify(ctx context.Context, userIDs []string, ev Event) (int, error) {
	if m.server == nil {
		return 0, errors.New("push: no server configured")
	}

	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := m.server.Send(ctx, SendRequest{UserIDs: ids, Payload: BuildPayload(ev)})
	if err != nil {
		m.log.Warn("push.notify.fail", "event", ev.Type, "recipients", len(ids), "err", err)
		return 0, err
	}

	m.log.Info("push.notify", "event", ev.Type, "recipients", len(ids), "sent", res.Sent, "failed", res.Failed)
	m.metrics.Sent(res.Sent)
	return res.Sent, nil
}

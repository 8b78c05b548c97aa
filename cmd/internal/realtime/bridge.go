package realtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Handler receives each delivered event exactly once, on the channel's goroutine.
type Handler func(NotificationEvent)

// Metrics observes channel lifecycle and delivery.
type Metrics interface {
	ChannelOpened()
	ChannelClosed()
	EventDelivered(eventType string)
	Reconnected()
}

type nopMetrics struct{}

func (nopMetrics) ChannelOpened()        {}
func (nopMetrics) ChannelClosed()        {}
func (nopMetrics) EventDelivered(string) {}
func (nopMetrics) Reconnected()          {}

// Bridge keeps at most one open Channel, scoped to one identity.
type Bridge struct {
	transport Transport
	log       *slog.Logger
	metrics   Metrics
	mirror    *Hub

	mu      sync.Mutex
	current *Channel
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the logger.
func WithBridgeLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// WithBridgeMetrics sets the metrics sink.
func WithBridgeMetrics(m Metrics) BridgeOption {
	return func(b *Bridge) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithMirror republishes every delivered event to hub, so local gateway
// clients see the same stream. hub must not be the transport's own hub.
func WithMirror(hub *Hub) BridgeOption {
	return func(b *Bridge) { b.mirror = hub }
}

// NewBridge constructs a Bridge over transport.
func NewBridge(transport Transport, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		transport: transport,
		log:       slog.Default(),
		metrics:   nopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// OpenOption configures one Open call.
type OpenOption func(*openOptions)

type openOptions struct {
	current func() bool
}

// OnlyIf makes Open check current while holding the bridge lock. When it
// reports false, Open returns ErrStale and leaves the open channel alone.
func OnlyIf(current func() bool) OpenOption {
	return func(o *openOptions) { o.current = current }
}

// Open subscribes to identityID's notifications.
//
// An open channel for a different identity is closed first. Re-opening for the
// identity that is already open returns the live channel unchanged.
func (b *Bridge) Open(ctx context.Context, identityID string, onEvent Handler, opts ...OpenOption) (*Channel, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" || onEvent == nil {
		return nil, ErrInvalidSpec
	}
	var o openOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if o.current != nil && !o.current() {
		return nil, ErrStale
	}

	if c := b.current; c != nil {
		if c.identityID == identityID && !c.Closed() {
			return c, nil
		}
		c.Close()
		b.current = nil
	}

	sub, err := b.transport.Subscribe(ctx, NotificationsSpec(identityID))
	if err != nil {
		b.log.Warn("realtime.channel.open.fail", "user_id", identityID, "err", err)
		return nil, err
	}

	c := &Channel{
		identityID: identityID,
		sub:        sub,
		handler:    onEvent,
		log:        b.log,
		metrics:    b.metrics,
		mirror:     b.mirror,
		done:       make(chan struct{}),
	}
	b.current = c
	b.metrics.ChannelOpened()
	b.log.Info("realtime.channel.open", "user_id", identityID)

	go c.deliver()
	return c, nil
}

// Current returns the open channel, or nil.
func (b *Bridge) Current() *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.Closed() {
		return nil
	}
	return b.current
}

// Close closes the open channel, if any.
func (b *Bridge) Close() {
	b.mu.Lock()
	c := b.current
	b.current = nil
	b.mu.Unlock()

	c.Close()
}

// Channel is one open notification stream.
type Channel struct {
	identityID string
	sub        Subscription
	handler    Handler
	log        *slog.Logger
	metrics    Metrics
	mirror     *Hub

	done      chan struct{}
	closeOnce sync.Once
}

// IdentityID returns the identity the channel is scoped to.
func (c *Channel) IdentityID() string { return c.identityID }

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has run.
func (c *Channel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops delivery and releases the subscription (idempotent, nil-safe).
// It does not wait for an in-flight handler call.
func (c *Channel) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Close()
		c.metrics.ChannelClosed()
		c.log.Info("realtime.channel.close", "user_id", c.identityID)
	})
}

func (c *Channel) deliver() {
	for {
		select {
		case <-c.done:
			return
		case <-c.sub.Done():
			c.log.Warn("realtime.channel.transport.closed", "user_id", c.identityID)
			c.Close()
			return
		case ev := <-c.sub.Events():
			// Close may race with a buffered event; closed channels deliver nothing.
			if c.Closed() {
				return
			}
			c.handler(ev)
			c.metrics.EventDelivered(ev.Type)

			if c.mirror != nil {
				if _, err := c.mirror.Notify(ev.Payload); err != nil {
					c.log.Debug("realtime.mirror.fail", "err", err)
				}
			}
		}
	}
}

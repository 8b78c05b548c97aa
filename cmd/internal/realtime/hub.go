package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "gearhub/shared/contracts/realtime/v1"
)

// Hub owns in-process topics and publishes notifications to them.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	topics map[string]*Topic
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		topics: make(map[string]*Topic),
	}
}

// Join adds client to the named topic, creating it on first use.
func (h *Hub) Join(channel string, client *Client) *Topic {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[channel]
	if !ok {
		t = NewTopic(h.log, channel)
		h.topics[channel] = t
	}
	t.Join(client)
	return t
}

// Leave removes client from the named topic and drops empty topics.
func (h *Hub) Leave(channel, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[channel]
	if !ok {
		return
	}
	t.Leave(clientID)
	if t.Len() == 0 {
		delete(h.topics, channel)
	}
}

// Broadcast sends env to every member of its channel.
func (h *Hub) Broadcast(env v1.Envelope) int {
	h.mu.Lock()
	t := h.topics[env.Channel]
	h.mu.Unlock()
	return t.Broadcast(env)
}

// Members returns the member count of a channel.
func (h *Hub) Members(channel string) int {
	h.mu.Lock()
	t := h.topics[channel]
	h.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.Len()
}

// Notify publishes one notification to its owner's inbox channel and returns the
// number of members that accepted it.
func (h *Hub) Notify(n v1.NotificationPayload) (int, error) {
	n.UserID = strings.TrimSpace(n.UserID)
	if n.UserID == "" || strings.TrimSpace(n.Type) == "" {
		return 0, errors.New("realtime: notification requires user_id and type")
	}
	if len([]rune(n.Title)) > maxNotificationChars || len([]rune(n.Body)) > maxNotificationChars {
		return 0, errors.New("realtime: notification text too long")
	}

	now := h.now()
	if n.NotificationID == "" {
		n.NotificationID = NewEnvelopeID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}

	env, err := newEnvelope(v1.TypeNotification, v1.NotificationsChannel(n.UserID), n, now)
	if err != nil {
		return 0, err
	}
	delivered := h.Broadcast(env)
	h.log.Debug("realtime.hub.notify", "user_id", n.UserID, "type", n.Type, "delivered", delivered)
	return delivered, nil
}

// ---- MemoryTransport ----

// MemoryTransport is a Transport reading from a Hub in the same process.
type MemoryTransport struct {
	hub *Hub
}

// NewMemoryTransport constructs a transport over hub.
func NewMemoryTransport(hub *Hub) *MemoryTransport {
	return &MemoryTransport{hub: hub}
}

// Subscribe joins the requested channel on the hub.
func (m *MemoryTransport) Subscribe(ctx context.Context, spec Spec) (Subscription, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cl := NewClient(NewEnvelopeID(), spec.UserID, eventBufferSize)
	sub := &memorySubscription{
		hub:     m.hub,
		channel: spec.Channel,
		client:  cl,
		events:  make(chan NotificationEvent, eventBufferSize),
	}
	m.hub.Join(spec.Channel, cl)
	go sub.pump()
	return sub, nil
}

type memorySubscription struct {
	hub     *Hub
	channel string
	client  *Client
	events  chan NotificationEvent
}

func (s *memorySubscription) Events() <-chan NotificationEvent { return s.events }
func (s *memorySubscription) Done() <-chan struct{}            { return s.client.Done() }

func (s *memorySubscription) Close() {
	s.hub.Leave(s.channel, s.client.ID)
	s.client.Close()
}

func (s *memorySubscription) pump() {
	for {
		select {
		case <-s.client.Done():
			return
		case env := <-s.client.Send:
			ev, err := decodeNotification(env, s.hub.now())
			if err != nil {
				s.hub.log.Warn("realtime.memory.decode.fail", "err", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.client.Done():
				return
			}
		}
	}
}

package identity

import (
	"sync"
	"time"
)

// EventKind names an auth state change.
type EventKind string

const (
	EventSignedIn         EventKind = "signed_in"
	EventSignedOut        EventKind = "signed_out"
	EventTokenRefreshed   EventKind = "token_refreshed"
	EventUserUpdated      EventKind = "user_updated"
	EventPasswordRecovery EventKind = "password_recovery"
)

// AuthEvent is one auth state change. Session is nil when no session remains.
type AuthEvent struct {
	Kind    EventKind
	Session *Session
	// EndedToken is the access token of the session a signed_out event ended.
	EndedToken string
	At         time.Time
}

const defaultSubscriptionBuffer = 32

// Subscription is a disposable auth-change stream.
//
// Events is never closed (publishers may race with Close); consumers select on
// Done as well. Close is idempotent.
type Subscription struct {
	events chan AuthEvent
	done   chan struct{}

	closeOnce sync.Once
	release   func()
}

// Events returns the stream of auth changes.
func (s *Subscription) Events() <-chan AuthEvent { return s.events }

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close detaches the subscription from its hub.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
		close(s.done)
	})
}

// EventHub fans auth events out to subscriptions.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type EventHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

// NewEventHub constructs an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a new subscription.
func (h *EventHub) Subscribe() *Subscription {
	sub := &Subscription{
		events: make(chan AuthEvent, defaultSubscriptionBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.done)
		return sub
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	sub.release = func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return sub
}

// Publish delivers ev to every live subscription without blocking. A
// subscription whose buffer is full misses ev; the next event carrying a
// session brings it back in line.
func (h *EventHub) Publish(ev AuthEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		select {
		case <-s.done:
			continue
		default:
		}

		select {
		case s.events <- ev:
		default:
		}
	}
}

// Close detaches every subscription and rejects new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		s.closeOnce.Do(func() { close(s.done) })
	}
}

package realtime

import (
	"log/slog"
	"sync"

	v1 "gearhub/shared/contracts/realtime/v1"
)

// Topic is the membership and fanout primitive behind one channel name.
//
// Join/Leave are safe under concurrent Broadcast; Broadcast never blocks and
// drops envelopes for members whose queue is full.
type Topic struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewTopic constructs an empty topic.
func NewTopic(log *slog.Logger, name string) *Topic {
	return &Topic{
		log:     log,
		Name:    name,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (t *Topic) Join(client *Client) {
	if t == nil || client == nil || client.ID == "" {
		return
	}

	t.mu.Lock()
	t.members[client.ID] = client
	t.mu.Unlock()

	t.log.Debug("realtime.topic.join", "channel", t.Name, "client_id", client.ID)
}

// Leave removes a client from membership. It does not close the client.
func (t *Topic) Leave(clientID string) {
	if t == nil || clientID == "" {
		return
	}

	t.mu.Lock()
	_, ok := t.members[clientID]
	delete(t.members, clientID)
	t.mu.Unlock()

	if ok {
		t.log.Debug("realtime.topic.leave", "channel", t.Name, "client_id", clientID)
	}
}

// Len returns the current member count.
func (t *Topic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Broadcast fans an envelope out to all members and returns how many accepted it.
func (t *Topic) Broadcast(env v1.Envelope) int {
	if t == nil {
		return 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	delivered := 0
	for _, m := range t.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
			delivered++
		default:
			t.log.Warn("realtime.topic.drop", "channel", t.Name, "client_id", m.ID)
		}
	}
	return delivered
}

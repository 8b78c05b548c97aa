package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	v1 "gearhub/shared/contracts/realtime/v1"
)

var (
	ErrClosed       = errors.New("realtime: closed")
	ErrInvalidSpec  = errors.New("realtime: invalid subscription spec")
	ErrUnauthorized = errors.New("realtime: unauthorized")
	// ErrStale is returned by Open when its OnlyIf check fails.
	ErrStale = errors.New("realtime: stale open")
)

// NotificationEvent is one inbound notification, consumed exactly once by the
// channel handler.
type NotificationEvent struct {
	ID         string
	Type       string
	Channel    string
	Payload    v1.NotificationPayload
	ReceivedAt time.Time
}

// Spec describes the channel a subscription joins.
type Spec struct {
	Channel string
	UserID  string
	// Join selects the row changes streamed on the channel.
	Join v1.ChannelJoinPayload
}

// NotificationsSpec returns the inbox subscription for one identity.
func NotificationsSpec(userID string) Spec {
	userID = strings.TrimSpace(userID)
	return Spec{
		Channel: v1.NotificationsChannel(userID),
		UserID:  userID,
		Join: v1.ChannelJoinPayload{
			Event:  "INSERT",
			Table:  "notifications",
			Filter: "user_id=eq." + userID,
		},
	}
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.Channel) == "" || strings.TrimSpace(s.UserID) == "" {
		return ErrInvalidSpec
	}
	return nil
}

// Subscription is a live event stream.
//
// Events is never closed; consumers also select on Done, which is closed once
// the subscription ends (Close, or the transport gave up). Close is idempotent.
type Subscription interface {
	Events() <-chan NotificationEvent
	Done() <-chan struct{}
	Close()
}

// Transport opens subscriptions.
type Transport interface {
	Subscribe(ctx context.Context, spec Spec) (Subscription, error)
}

func decodeNotification(env v1.Envelope, now time.Time) (NotificationEvent, error) {
	if env.Type != v1.TypeNotification {
		return NotificationEvent{}, fmt.Errorf("realtime: unexpected envelope type %q", env.Type)
	}
	var p v1.NotificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return NotificationEvent{}, fmt.Errorf("realtime: decode notification: %w", err)
	}

	id := p.NotificationID
	if id == "" {
		id = env.ID
	}
	return NotificationEvent{
		ID:         id,
		Type:       p.Type,
		Channel:    env.Channel,
		Payload:    p,
		ReceivedAt: now,
	}, nil
}

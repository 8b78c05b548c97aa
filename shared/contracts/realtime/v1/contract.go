// Package v1 defines the gearhub Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the notification gateway and session agents to keep
// the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "gearhub.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates the connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeChannelJoin subscribes the connection to a channel (client -> server), echoed back on success.
	TypeChannelJoin = "channel_join"
	// TypeChannelLeave drops a channel subscription (client -> server).
	TypeChannelLeave = "channel_leave"

	// TypeNotification carries one inserted notification row (server -> channel members).
	TypeNotification = "notification"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// NotificationsChannel returns the per-identity channel name used for inbox events.
func NotificationsChannel(userID string) string {
	return "notifications:" + strings.TrimSpace(userID)
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello, TypeHelloAck, TypeChannelLeave, TypeError:
		return nil
	case TypeChannelJoin, TypeNotification:
		if strings.TrimSpace(e.Channel) == "" {
			return fmt.Errorf("missing field: channel (type %q)", e.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries the identity provider access token.
type HelloPayload struct {
	AccessToken string `json:"access_token"`
}

// HelloAckPayload confirms the authenticated connection.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id,omitempty"`
}

// ChannelJoinPayload selects which row changes the channel should stream.
type ChannelJoinPayload struct {
	Event  string `json:"event"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// NotificationPayload is one notification record pushed to its owner.
type NotificationPayload struct {
	NotificationID string          `json:"notification_id"`
	UserID         string          `json:"user_id"`
	Type           string          `json:"type"`
	Title          string          `json:"title,omitempty"`
	Body           string          `json:"body,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

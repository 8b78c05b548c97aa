package push

import (
	"context"
	"time"
)

// Capabilities reports which platform features exist.
type Capabilities struct {
	ServiceWorker bool
	PushManager   bool
	Notifications bool
}

// Supported reports whether push registration is possible at all.
func (c Capabilities) Supported() bool {
	return c.ServiceWorker && c.PushManager && c.Notifications
}

// Keys is the subscription's client key material, base64url-encoded.
type Keys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is one device push subscription as serialized by the platform.
type Subscription struct {
	Endpoint       string     `json:"endpoint"`
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
	Keys           Keys       `json:"keys"`
}

// DeviceInfo describes the subscribing device.
type DeviceInfo struct {
	ID        string `json:"id"`
	Platform  string `json:"platform"`
	UserAgent string `json:"user_agent,omitempty"`
	Name      string `json:"name,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Registration is what the push registration server stores for one device.
type Registration struct {
	UserID       string       `json:"user_id"`
	Subscription Subscription `json:"subscription"`
	Device       DeviceInfo   `json:"device"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Worker is the active service worker registration.
type Worker interface {
	// Subscription returns the current local subscription, or nil.
	Subscription(ctx context.Context) (*Subscription, error)
	// Subscribe creates (or returns the existing) subscription keyed to
	// applicationServerKey, an uncompressed P-256 point.
	Subscribe(ctx context.Context, applicationServerKey []byte) (*Subscription, error)
	// Unsubscribe removes the local subscription for endpoint.
	Unsubscribe(ctx context.Context, endpoint string) error
}

// Platform is the device capability surface.
type Platform interface {
	Capabilities() Capabilities
	Permission() Permission
	// RequestPermission prompts the user and returns the outcome.
	RequestPermission(ctx context.Context) (Permission, error)
	// ServiceWorker obtains the active service worker, registering it if needed.
	ServiceWorker(ctx context.Context) (Worker, error)
	Device() DeviceInfo
}

// Server is the push registration server.
type Server interface {
	VAPIDPublicKey(ctx context.Context) (string, error)
	Register(ctx context.Context, reg Registration) error
	Unregister(ctx context.Context, endpoint string) error
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// SendRequest asks the server to deliver one payload to every device of userIDs.
type SendRequest struct {
	UserIDs []string `json:"user_ids"`
	Payload Payload  `json:"payload"`
}

// SendResult reports delivery counts.
type SendResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

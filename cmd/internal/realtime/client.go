package realtime

import (
	"sync"

	v1 "gearhub/shared/contracts/realtime/v1"
)

// Client is one hub member: a gateway connection or an in-process subscription.
//
// Send is never closed so concurrent broadcasters cannot panic; done signals
// shutdown. Close is idempotent.
type Client struct {
	ID     string
	UserID string
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id, userID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = eventBufferSize
	}
	return &Client{
		ID:     id,
		UserID: userID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent). Send stays open.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

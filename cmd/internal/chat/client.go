package chat

import "sync"

// Client represents one connected websocket session.
//
// Design notes:
// - Send carries pre-serialized frames and is intentionally NOT closed by the
//   server, so concurrent broadcasters can never panic on a closed channel.
// - done signals the per-connection goroutines to stop.
// - Close is idempotent.
type Client struct {
	ConnID string
	Send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID: connID,
		Send:   make(chan []byte, sendQueueSize),
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

// TrySend enqueues a frame without blocking. It reports false when the client
// is shutting down or its queue is full; the caller decides whether that is a
// logged drop (broadcast) or an operation failure (private send).
func (c *Client) TrySend(frame []byte) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Package channel wraps a websocket connection in the framed-channel
// semantics both ends of the gateway share: JSON frames, a serialized
// outbound queue, channel-level ping/pong, and graceful vs abortive close.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrClosed is returned by Send after the channel shut down.
	ErrClosed = errors.New("channel closed")
	// ErrBackpressure is returned by Send when the outbound queue is full.
	// The caller is expected to tear the connection down.
	ErrBackpressure = errors.New("outbound queue full")
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultQueueSize    = 256

	// StatusProtocolError rejects connections claiming an unrelated
	// subprotocol.
	StatusProtocolError = websocket.StatusProtocolError // 1002
	// StatusPolicyViolation closes unauthenticated connections.
	StatusPolicyViolation = websocket.StatusPolicyViolation // 1008
	// StatusNormalClosure is the graceful close code.
	StatusNormalClosure = websocket.StatusNormalClosure // 1000
)

// Channel is a bidirectional framed connection. All writes funnel through a
// single goroutine, so frames enqueued for one session keep their order.
type Channel struct {
	conn *websocket.Conn

	writeTimeout time.Duration

	mu     sync.Mutex
	queue  chan []byte
	closed bool
	done   chan struct{}
}

// Options tunes a channel; zero values pick defaults.
type Options struct {
	WriteTimeout time.Duration
	QueueSize    int
}

// New wraps an accepted or dialed websocket connection and starts the write
// loop. ctx bounds the lifetime of all writes.
func New(ctx context.Context, conn *websocket.Conn, opts Options) *Channel {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	c := &Channel{
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		queue:        make(chan []byte, opts.QueueSize),
		done:         make(chan struct{}),
	}
	go c.writeLoop(ctx)
	return c
}

func (c *Channel) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case data, ok := <-c.queue:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Send marshals v and enqueues it. Never blocks: a full queue means the peer
// cannot keep up and the frame is refused with ErrBackpressure.
func (c *Channel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Read returns the next inbound frame. Control frames (ping/pong/close) are
// handled by the underlying library and never surface here.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// Ping sends a channel-level ping and blocks until the matching pong or ctx
// expiry.
func (c *Channel) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close performs the closing handshake with a code and reason.
func (c *Channel) Close(code websocket.StatusCode, reason string) error {
	c.shutdown()
	return c.conn.Close(code, reason)
}

// Terminate abortively drops the connection without a closing handshake.
func (c *Channel) Terminate() {
	c.shutdown()
	c.conn.CloseNow()
}

// Done is closed once the channel can no longer send.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/presence"
)

var (
	// ErrClientClosed is returned when sending to a closed client.
	ErrClientClosed = errors.New("client closed")
	// ErrSendBufferFull is returned when a slow client's send buffer is full.
	ErrSendBufferFull = errors.New("send buffer full")
)

var _ presence.Transport = (*Client)(nil)

// Client is one upgraded WebSocket connection. It is the transport the
// coordination core writes to.
type Client struct {
	// ID identifies the socket for logging; it is not the identity.
	ID   string
	conn *websocket.Conn
	// send is the buffered queue drained by writePump.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	reason    string

	logger *slog.Logger
}

func newClient(id string, conn *websocket.Conn, buffer int, logger *slog.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger.With("client_id", id),
	}
}

// Send encodes ev and queues it without blocking. Events for a client whose
// buffer is full are dropped.
func (c *Client) Send(ev event.Outbound) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	raw, err := ev.Encode()
	if err != nil {
		return err
	}

	select {
	case c.send <- raw:
		return nil
	default:
		c.logger.Warn("Client send channel full, dropping message", "event", ev.Event)
		return ErrSendBufferFull
	}
}

// Close asks writePump to flush what is queued and close the socket. It never
// blocks and only the first reason is kept.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writePump pumps messages from the client's send channel to the WebSocket connection.
func (c *Client) writePump(writeTimeout time.Duration) {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message, writeTimeout); err != nil {
				c.logger.Error("WebSocket write error", "error", err)
				c.Close(presence.ReasonClosed)
				c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.done:
			c.flush(writeTimeout)
			reason := c.closeReason()
			c.conn.Close(closeStatus(reason), reason)
			return
		}
	}
}

// flush writes whatever is still queued, so a final error event reaches the
// client before the close frame.
func (c *Client) flush(writeTimeout time.Duration) {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message, writeTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(message []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, message)
}

func closeStatus(reason string) websocket.StatusCode {
	switch reason {
	case presence.ReasonShutdown:
		return websocket.StatusGoingAway
	case presence.ReasonSuperseded, presence.ReasonInactive:
		return websocket.StatusPolicyViolation
	default:
		return websocket.StatusNormalClosure
	}
}

// Package websocket carries client events between WebSocket connections and
// the hub.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/parley/internal/hub"
	"github.com/nfrund/parley/internal/presence"
)

// Defaults for a Bridge.
const (
	DefaultSendBuffer   = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 64 << 10
	// DefaultCloseGrace is how long Shutdown waits for close handshakes when
	// its context carries no deadline.
	DefaultCloseGrace = 2 * time.Second
)

// SessionFactory creates the hub session that consumes one client's frames.
type SessionFactory interface {
	NewSession(t presence.Transport) *hub.Session
}

// Bridge upgrades HTTP requests and pumps frames between sockets and sessions.
type Bridge struct {
	sessions SessionFactory
	clients  *ClientManager

	sendBuffer   int
	writeTimeout time.Duration
	readLimit    int64
	origins      []string
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithSendBuffer sets the per-client outbound queue length.
func WithSendBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.sendBuffer = n
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// WithReadLimit caps the size of an inbound frame.
func WithReadLimit(n int64) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.readLimit = n
		}
	}
}

// WithOriginPatterns restricts cross-origin upgrades to the given host patterns.
// Without patterns every origin is accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) {
		b.origins = patterns
	}
}

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// NewBridge initializes a new Bridge, ready to handle connections.
func NewBridge(sessions SessionFactory, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		sessions:     sessions,
		clients:      NewClientManager(),
		sendBuffer:   DefaultSendBuffer,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
		logger:       slog.Default().With("component", "websocket"),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handler returns an echo.HandlerFunc that upgrades the request and serves the
// socket until either side closes it.
func (b *Bridge) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		select {
		case <-b.ctx.Done():
			return c.String(http.StatusServiceUnavailable, "shutting down")
		default:
		}

		conn, err := websocket.Accept(c.Response(), c.Request(), b.acceptOptions())
		if err != nil {
			b.logger.Error("Failed to upgrade connection to WebSocket", "error", err)
			return nil
		}
		conn.SetReadLimit(b.readLimit)

		client := newClient(uuid.NewString(), conn, b.sendBuffer, b.logger)
		b.clients.Add(client)
		defer b.clients.Remove(client.ID)

		session := b.sessions.NewSession(client)
		ctx, cancel := context.WithCancel(b.ctx)
		defer cancel()

		finished := make(chan struct{})
		go client.writePump(b.writeTimeout)
		go func() {
			defer close(finished)
			session.Run(ctx)
		}()

		b.logger.Debug("Client connected", "client_id", client.ID, "remote_addr", c.RealIP())
		b.readPump(ctx, client, session)

		if b.ctx.Err() != nil {
			session.Close(presence.ReasonShutdown)
		} else {
			session.Close(presence.ReasonClosed)
		}
		<-finished
		b.logger.Debug("Client disconnected", "client_id", client.ID, "reason", client.closeReason())
		return nil
	}
}

// readPump pumps frames from the WebSocket connection into the session. Reads
// are not bound to ctx: the socket is closed by writePump, which ends them.
func (b *Bridge) readPump(ctx context.Context, client *Client, session *hub.Session) {
	for {
		_, message, err := client.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				client.logger.Info("WebSocket closed normally by client")
			default:
				select {
				case <-client.Done():
				default:
					client.logger.Warn("WebSocket read error", "error", err)
				}
			}
			return
		}

		if err := session.Push(ctx, message); err != nil {
			return
		}
	}
}

func (b *Bridge) acceptOptions() *websocket.AcceptOptions {
	if len(b.origins) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: b.origins}
}

// Len returns the number of open sockets.
func (b *Bridge) Len() int {
	return b.clients.Len()
}

// Shutdown ends every session and waits for their sockets to close. Peers get
// half of the remaining deadline to answer the close frame; sockets still open
// after that are dropped without a handshake.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.clients.Wait()
		close(done)
	}()

	grace := DefaultCloseGrace
	if deadline, ok := ctx.Deadline(); ok {
		if half := time.Until(deadline) / 2; half < grace {
			grace = half
		}
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		b.logger.Warn("Close handshake timed out, dropping sockets", "clients", b.clients.Len())
		b.closeAll()
	case <-ctx.Done():
		b.closeAll()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) closeAll() {
	for _, client := range b.clients.GetAll() {
		client.conn.CloseNow()
	}
}

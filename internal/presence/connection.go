package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/event"
)

// Close reasons passed to Transport.Close.
const (
	ReasonSuperseded = "superseded"
	ReasonInactive   = "inactive"
	ReasonClosed     = "closed"
	ReasonShutdown   = "shutdown"
)

// Transport is the live handle of one client connection.
type Transport interface {
	// Send queues ev for the client without blocking. It fails when the client
	// is gone or cannot keep up.
	Send(ev event.Outbound) error
	// Close terminates the connection. It must be safe to call more than once.
	Close(reason string)
}

// Connection is the registry's record of one authenticated identity.
type Connection struct {
	id          string
	identity    string
	tenant      string
	location    *time.Location
	transport   Transport
	connectedAt time.Time

	mu           sync.RWMutex
	status       domain.Status
	lastActivity time.Time
}

func newConnection(identity domain.Identity, loc *time.Location, t Transport, now time.Time) *Connection {
	return &Connection{
		id:           uuid.NewString(),
		identity:     identity.ID,
		tenant:       identity.Tenant,
		location:     loc,
		transport:    t,
		connectedAt:  now,
		status:       domain.StatusOnline,
		lastActivity: now,
	}
}

// ID uniquely identifies this connection; a reconnect gets a new one.
func (c *Connection) ID() string { return c.id }

// Identity returns the verified identity id.
func (c *Connection) Identity() string { return c.identity }

// Tenant returns the tenant scope of the connection.
func (c *Connection) Tenant() string { return c.tenant }

// Location returns the client's resolved timezone.
func (c *Connection) Location() *time.Location { return c.location }

// Timezone returns the name of the client's resolved timezone.
func (c *Connection) Timezone() string { return c.location.String() }

// ConnectedAt returns when the connection joined.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Status returns the current presence status.
func (c *Connection) Status() domain.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastActivity returns when the client last sent an event.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Send forwards ev to the transport.
func (c *Connection) Send(ev event.Outbound) error {
	return c.transport.Send(ev)
}

// Close closes the transport.
func (c *Connection) Close(reason string) {
	c.transport.Close(reason)
}

func (c *Connection) setStatus(s domain.Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == s {
		return false
	}
	c.status = s
	return true
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	c.mu.Unlock()
}

// ResolveLocation loads the named IANA timezone, falling back to UTC for empty or
// unknown names.
func ResolveLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

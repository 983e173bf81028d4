package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/keyed"
	"github.com/nfrund/parley/internal/pubsub"
)

// Verifier resolves an identity claim into a verified identity.
type Verifier interface {
	Verify(ctx context.Context, claim string) (domain.Identity, error)
}

// LastSeenRecorder persists when an identity was last connected.
type LastSeenRecorder interface {
	UpdateLastSeen(ctx context.Context, identityID string, at time.Time) error
}

// Hook is called with a connection after it joined or left the registry.
type Hook func(c *Connection)

// Registry maps each identity to its single live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection // identity -> current connection

	// keys serializes join, disconnect and delivery per identity.
	keys keyed.Mutex

	verifier  Verifier
	publisher pubsub.Publisher
	lastSeen  LastSeenRecorder
	logger    *slog.Logger
	now       func() time.Time

	hookMu       sync.RWMutex
	onConnect    []Hook
	onDisconnect []Hook

	// wg tracks fire-and-forget last-seen writes.
	wg sync.WaitGroup
}

// Option is a function that configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithLastSeen sets where disconnect times are recorded.
func WithLastSeen(rec LastSeenRecorder) Option {
	return func(r *Registry) {
		r.lastSeen = rec
	}
}

// NewRegistry creates a registry that verifies identities with verifier and
// publishes presence transitions to publisher.
func NewRegistry(verifier Verifier, publisher pubsub.Publisher, opts ...Option) *Registry {
	r := &Registry{
		conns:     make(map[string]*Connection),
		verifier:  verifier,
		publisher: publisher,
		logger:    slog.Default().With("component", "presence"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnConnect registers fn to run after a connection joined and was welcomed.
// Hooks run while the identity is locked, so they must only address the joining
// identity.
func (r *Registry) OnConnect(fn Hook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onConnect = append(r.onConnect, fn)
}

// OnDisconnect registers fn to run after a connection was removed. Hooks run
// while the identity is locked, so a reconnect of the same identity waits for
// them to finish.
func (r *Registry) OnDisconnect(fn Hook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

// Join verifies claim and installs a new connection for the identity, replacing
// any prior one. The caller receives user:joined followed by whatever the connect
// hooks send (queued offline events).
func (r *Registry) Join(ctx context.Context, claim, tenant, timezone string, t Transport) (*Connection, error) {
	identity, err := r.verifier.Verify(ctx, claim)
	if err != nil {
		return nil, domain.Wrap(domain.CodeAuth, "user.join", err)
	}
	if identity.ID == "" {
		return nil, domain.NewError(domain.CodeAuth, "user.join", "identity claim has no subject")
	}
	switch {
	case identity.Tenant == "":
		identity.Tenant = tenant
	case tenant != "" && tenant != identity.Tenant:
		return nil, domain.NewError(domain.CodeAuth, "user.join", "tenant does not match identity")
	}

	now := r.now()
	conn := newConnection(identity, ResolveLocation(timezone), t, now)

	unlock := r.keys.Lock(identity.ID)
	r.mu.Lock()
	prev := r.conns[identity.ID]
	r.conns[identity.ID] = conn
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("Connection superseded", "identity_id", identity.ID, "prev_conn", prev.ID(), "conn", conn.ID())
		prev.Close(ReasonSuperseded)
	}

	welcome := event.New(event.KindUserJoined, event.UserJoined{
		IdentityID: identity.ID,
		Tenant:     identity.Tenant,
		ServerTime: now,
		Timezone:   conn.Timezone(),
		Online:     r.Online(identity.Tenant),
	})
	if err := conn.Send(welcome); err != nil {
		r.logger.Warn("Failed to send welcome", "identity_id", identity.ID, "error", err)
	}
	for _, hook := range r.hooks(true) {
		hook(conn)
	}
	unlock()

	r.logger.Info("User came online", "identity_id", identity.ID, "tenant", identity.Tenant, "timezone", conn.Timezone())
	r.publish(ctx, conn, domain.StatusOnline)
	return conn, nil
}

// Disconnect removes conn if it is still the identity's current connection,
// closes its transport and runs the disconnect hooks. A superseded connection
// is only closed.
// It reports whether conn was removed.
func (r *Registry) Disconnect(conn *Connection, reason string) bool {
	if conn == nil {
		return false
	}

	unlock := r.keys.Lock(conn.Identity())
	r.mu.Lock()
	current, ok := r.conns[conn.Identity()]
	removed := ok && current == conn
	if removed {
		delete(r.conns, conn.Identity())
	}
	r.mu.Unlock()

	conn.Close(reason)
	if !removed {
		unlock()
		return false
	}

	for _, hook := range r.hooks(false) {
		hook(conn)
	}
	unlock()

	r.logger.Info("User went offline", "identity_id", conn.Identity(), "reason", reason,
		"connected_for", r.now().Sub(conn.ConnectedAt()))
	r.publish(context.Background(), conn, domain.StatusOffline)
	r.recordLastSeen(conn.Identity(), r.now())
	return true
}

// SetStatus changes the presence status of identity's live connection and
// rebroadcasts it. Offline is only reachable through Disconnect.
func (r *Registry) SetStatus(ctx context.Context, identity string, status domain.Status) error {
	if !status.Valid() || status == domain.StatusOffline {
		return domain.NewError(domain.CodeValidation, "user.status", "status must be online, away or busy")
	}
	conn, ok := r.Get(identity)
	if !ok {
		return domain.NewError(domain.CodeNotFound, "user.status", "identity is not connected")
	}
	if conn.setStatus(status) {
		r.publish(ctx, conn, status)
	}
	return nil
}

// Touch records activity for identity.
func (r *Registry) Touch(identity string) {
	if conn, ok := r.Get(identity); ok {
		conn.touch(r.now())
	}
}

// Get returns identity's live connection.
func (r *Registry) Get(identity string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[identity]
	return c, ok
}

// Snapshot returns every live connection.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Online returns the sorted identities connected within tenant.
func (r *Registry) Online(tenant string) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.conns))
	for id, c := range r.conns {
		if c.Tenant() == tenant {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Idle returns the connections whose last activity is older than threshold.
func (r *Registry) Idle(now time.Time, threshold time.Duration) []*Connection {
	cutoff := now.Add(-threshold)
	var out []*Connection
	for _, c := range r.Snapshot() {
		if c.LastActivity().Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// SendTo delivers ev to identity's live connection. It reports false when the
// identity is offline or its transport refused the event.
func (r *Registry) SendTo(identity string, ev event.Outbound) bool {
	conn, ok := r.Get(identity)
	if !ok {
		return false
	}
	if err := conn.Send(ev); err != nil {
		r.logger.Warn("Dropped event for slow or closed client", "identity_id", identity, "event", ev.Event, "error", err)
		return false
	}
	return true
}

// Deliver renders an event for identity's live connection and sends it. When the
// identity has no live connection, fallback receives the event rendered for UTC.
// Both paths run with the identity locked so a concurrent Join cannot flush its
// offline queue in between.
func (r *Registry) Deliver(identity string, render func(loc *time.Location) event.Outbound, fallback func(ev event.Outbound)) bool {
	unlock := r.keys.Lock(identity)
	defer unlock()

	conn, ok := r.Get(identity)
	if !ok {
		if fallback != nil {
			fallback(render(time.UTC))
		}
		return false
	}
	ev := render(conn.Location())
	if err := conn.Send(ev); err != nil {
		r.logger.Warn("Dropped event for slow or closed client", "identity_id", identity, "event", ev.Event, "error", err)
		return false
	}
	return true
}

// BroadcastTenant sends ev to every live connection of tenant except the identity
// named by except.
func (r *Registry) BroadcastTenant(tenant, except string, ev event.Outbound) int {
	sent := 0
	for _, c := range r.Snapshot() {
		if c.Tenant() != tenant || c.Identity() == except {
			continue
		}
		if err := c.Send(ev); err != nil {
			r.logger.Warn("Dropped presence event", "identity_id", c.Identity(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Shutdown closes every live connection and waits for pending last-seen writes.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, c := range r.Snapshot() {
		r.Disconnect(c, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) hooks(connect bool) []Hook {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	if connect {
		return append([]Hook(nil), r.onConnect...)
	}
	return append([]Hook(nil), r.onDisconnect...)
}

// publish announces a presence transition. Failures are logged and swallowed.
func (r *Registry) publish(ctx context.Context, conn *Connection, status domain.Status) {
	if r.publisher == nil {
		return
	}
	update := StatusUpdate{
		IdentityID: conn.Identity(),
		Tenant:     conn.Tenant(),
		Status:     status,
		Timestamp:  r.now(),
	}
	err := pubsub.Publish(ctx, r.publisher, TopicUserStatus, conn.Identity(), update, map[string]string{MetaTenant: conn.Tenant()})
	if err != nil {
		r.logger.Error("Failed to publish presence update", "identity_id", conn.Identity(), "status", status, "error", err)
	}
}

func (r *Registry) recordLastSeen(identity string, at time.Time) {
	if r.lastSeen == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.lastSeen.UpdateLastSeen(ctx, identity, at); err != nil {
			r.logger.Warn("Failed to update last seen", "identity_id", identity, "error", err)
		}
	}()
}

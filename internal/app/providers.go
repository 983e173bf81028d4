package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/do/v2"

	"github.com/nfrund/parley/internal/auth"
	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/hub"
	"github.com/nfrund/parley/internal/membership"
	"github.com/nfrund/parley/internal/messaging"
	"github.com/nfrund/parley/internal/offline"
	"github.com/nfrund/parley/internal/presence"
	"github.com/nfrund/parley/internal/pubsub"
	"github.com/nfrund/parley/internal/ratelimit"
	"github.com/nfrund/parley/internal/reaction"
	"github.com/nfrund/parley/internal/room"
	"github.com/nfrund/parley/internal/server"
	"github.com/nfrund/parley/internal/store"
	"github.com/nfrund/parley/internal/store/badgerstore"
	"github.com/nfrund/parley/internal/store/memory"
	"github.com/nfrund/parley/internal/store/surreal"
	"github.com/nfrund/parley/internal/sweeper"
	"github.com/nfrund/parley/internal/typing"
	"github.com/nfrund/parley/internal/websocket"
)

func (a *App) provide() {
	i := a.injector

	do.Provide(i, a.newStore)
	do.Provide(i, a.newAuthority)
	do.Provide(i, a.newBus)
	do.MustAs[*pubsub.WatermillBridge, pubsub.PubSub](i)
	do.Provide(i, newVerifier)
	do.Provide(i, newRegistry)
	do.Provide(i, newDirectory)
	do.Provide(i, newQueue)
	do.Provide(i, newTyping)
	do.Provide(i, newLimiter)
	do.Provide(i, newPipeline)
	do.Provide(i, newAggregator)
	do.Provide(i, newHub)
	do.Provide(i, newSweeper)
	do.Provide(i, newBridge)
	do.Provide(i, newServer)
}

// component returns the shared logger tagged with the component name.
func component(i do.Injector, name string) *slog.Logger {
	return do.MustInvoke[*slog.Logger](i).With("component", name)
}

func (a *App) newStore(i do.Injector) (store.Store, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := component(i, "store")

	var (
		st  store.Store
		err error
	)
	switch cfg.StoreDriver {
	case config.StoreBadger:
		if err := os.MkdirAll(filepath.Clean(cfg.BadgerPath), 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory: %w", err)
		}
		st, err = badgerstore.Open(cfg.BadgerPath, badgerstore.WithLogger(logger))
	case config.StoreSurreal:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.SurrealTimeout)
		defer cancel()
		st, err = surreal.Open(ctx, cfg.SurrealURL, cfg.SurrealUser, cfg.SurrealPass, cfg.SurrealNS, cfg.SurrealDB,
			surreal.WithTimeout(cfg.SurrealTimeout), surreal.WithLogger(logger))
	default:
		st = memory.New()
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Store opened", "driver", cfg.StoreDriver)
	a.onClose("store", st.Close)
	return st, nil
}

func (a *App) newAuthority(i do.Injector) (membership.Authority, error) {
	cfg := do.MustInvoke[*config.Config](i)
	if cfg.MembershipDriver != config.MembershipPostgres {
		return membership.NewStatic(cfg.Groups()), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	pg, err := membership.OpenPostgres(ctx, cfg.MembershipDSN)
	if err != nil {
		return nil, err
	}
	a.onClose("membership", pg.Close)
	return pg, nil
}

func (a *App) newBus(i do.Injector) (*pubsub.WatermillBridge, error) {
	bus := pubsub.NewWatermillBridge(pubsub.WithLogger(component(i, "pubsub")))
	a.onClose("pubsub", bus.Close)
	return bus, nil
}

func newVerifier(i do.Injector) (*auth.JWTVerifier, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
}

func newRegistry(i do.Injector) (*presence.Registry, error) {
	verifier := do.MustInvoke[*auth.JWTVerifier](i)
	bus := do.MustInvoke[pubsub.PubSub](i)
	st := do.MustInvoke[store.Store](i)
	return presence.NewRegistry(verifier, bus,
		presence.WithLastSeen(st),
		presence.WithLogger(component(i, "presence")),
	), nil
}

func newDirectory(i do.Injector) (*room.Directory, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return room.NewDirectory(
		do.MustInvoke[membership.Authority](i),
		do.MustInvoke[store.Store](i),
		do.MustInvoke[*presence.Registry](i),
		room.WithRecentLimit(cfg.RecentMessagesLimit),
		room.WithLogger(component(i, "rooms")),
	), nil
}

func newQueue(i do.Injector) (*offline.Queue, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return offline.New(
		offline.WithLimit(cfg.OfflineQueueLimit),
		offline.WithLogger(component(i, "offline")),
	), nil
}

func newTyping(i do.Injector) (*typing.Manager, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return typing.NewManager(do.MustInvoke[*room.Directory](i),
		typing.WithTimeout(cfg.TypingTimeout),
		typing.WithLogger(component(i, "typing")),
	), nil
}

func newLimiter(i do.Injector) (*ratelimit.Limiter, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow), nil
}

func newPipeline(i do.Injector) (*messaging.Pipeline, error) {
	return messaging.NewPipeline(
		do.MustInvoke[*ratelimit.Limiter](i),
		do.MustInvoke[*room.Directory](i),
		do.MustInvoke[store.Store](i),
		do.MustInvoke[*presence.Registry](i),
		do.MustInvoke[*offline.Queue](i),
		do.MustInvoke[*typing.Manager](i),
		messaging.WithLogger(component(i, "messaging")),
	), nil
}

func newAggregator(i do.Injector) (*reaction.Aggregator, error) {
	return reaction.NewAggregator(
		do.MustInvoke[store.Store](i),
		do.MustInvoke[*room.Directory](i),
		do.MustInvoke[*messaging.Pipeline](i),
		reaction.WithLogger(component(i, "reactions")),
	), nil
}

// newHub builds the dispatcher and registers the registry hooks that tie
// connection lifecycle to the queue, typing timers and room membership.
func newHub(i do.Injector) (*hub.Hub, error) {
	cfg := do.MustInvoke[*config.Config](i)
	deps := hub.Deps{
		Registry:  do.MustInvoke[*presence.Registry](i),
		Rooms:     do.MustInvoke[*room.Directory](i),
		Typing:    do.MustInvoke[*typing.Manager](i),
		Pipeline:  do.MustInvoke[*messaging.Pipeline](i),
		Reactions: do.MustInvoke[*reaction.Aggregator](i),
		Queue:     do.MustInvoke[*offline.Queue](i),
	}

	deps.Registry.OnConnect(func(c *presence.Connection) {
		deps.Queue.Flush(c)
	})
	deps.Registry.OnDisconnect(func(c *presence.Connection) {
		deps.Typing.StopAll(c.Identity())
		deps.Rooms.LeaveAll(c.Identity())
	})

	return hub.New(deps,
		hub.WithInboundBuffer(cfg.InboundBuffer),
		hub.WithLogger(component(i, "hub")),
	), nil
}

func newSweeper(i do.Injector) (*sweeper.Sweeper, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return sweeper.New(do.MustInvoke[*presence.Registry](i),
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithThreshold(cfg.InactivityThreshold),
		sweeper.WithPruner(do.MustInvoke[*ratelimit.Limiter](i)),
		sweeper.WithLogger(component(i, "sweeper")),
	), nil
}

func newBridge(i do.Injector) (*websocket.Bridge, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return websocket.NewBridge(do.MustInvoke[*hub.Hub](i),
		websocket.WithSendBuffer(cfg.SendBuffer),
		websocket.WithWriteTimeout(cfg.WriteTimeout),
		websocket.WithReadLimit(int64(cfg.ReadLimit)),
		websocket.WithOriginPatterns(cfg.Origins()...),
		websocket.WithLogger(component(i, "websocket")),
	), nil
}

func newServer(i do.Injector) (*server.Server, error) {
	srv := server.New(
		do.MustInvoke[*config.Config](i),
		do.MustInvoke[*hub.Hub](i),
		do.MustInvoke[*websocket.Bridge](i),
		component(i, "server"),
	)
	srv.RegisterRoutes()
	return srv, nil
}

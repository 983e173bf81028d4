// Package app wires every component into a samber/do container and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/do/v2"

	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/hub"
	"github.com/nfrund/parley/internal/pubsub"
	"github.com/nfrund/parley/internal/server"
	"github.com/nfrund/parley/internal/sweeper"
)

// App owns the container and the resources that do not shut down through it.
type App struct {
	injector *do.RootScope
	cfg      *config.Config
	logger   *slog.Logger

	mu      sync.Mutex
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// New registers every provider. Nothing is built until it is first invoked.
func New(cfg *config.Config, logger *slog.Logger) *App {
	a := &App{
		injector: do.New(),
		cfg:      cfg,
		logger:   logger,
	}
	do.ProvideValue(a.injector, cfg)
	do.ProvideValue(a.injector, logger)
	a.provide()
	return a
}

// Injector exposes the container, mainly to tests and the CLI.
func (a *App) Injector() do.Injector {
	return a.injector
}

// onClose registers fn to run after the container shut down, in reverse order.
func (a *App) onClose(name string, fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Start subscribes the hub to the bus and launches the inactivity sweeper.
// Both stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	h, err := do.Invoke[*hub.Hub](a.injector)
	if err != nil {
		return fmt.Errorf("build hub: %w", err)
	}
	bus, err := do.Invoke[pubsub.PubSub](a.injector)
	if err != nil {
		return fmt.Errorf("build bus: %w", err)
	}
	if err := h.Start(ctx, bus); err != nil {
		return err
	}

	sw, err := do.Invoke[*sweeper.Sweeper](a.injector)
	if err != nil {
		return fmt.Errorf("build sweeper: %w", err)
	}
	go sw.Run(ctx)
	return nil
}

// Run starts the application, serves HTTP until ctx is cancelled, then shuts
// everything down within SHUTDOWN_TIMEOUT.
func (a *App) Run(ctx context.Context) error {
	srv, err := do.Invoke[*server.Server](a.injector)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	runErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops every service in reverse dependency order, then closes the
// store, the bus and the membership database.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if report := a.injector.ShutdownWithContext(ctx); report != nil && !report.Succeed {
		errs = append(errs, errors.New(report.Error()))
	}

	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(); err != nil {
			a.logger.Error("Failed to close resource", "resource", closers[i].name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, err))
		}
	}
	if len(errs) == 0 {
		a.logger.Info("Shutdown complete")
	}
	return errors.Join(errs...)
}

package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext returns a context cancelled on an interrupt or terminate signal.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdown closes every WebSocket session, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	bridgeErr := s.bridge.Shutdown(ctx)
	return errors.Join(bridgeErr, s.E.Shutdown(ctx))
}

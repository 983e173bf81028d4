package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Start runs the HTTP server until ctx is cancelled or the listener fails.
// It does not shut the server down; call Shutdown for that.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.Cfg.HTTPAddr)
		if err := s.E.Start(s.Cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("shutting down the server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

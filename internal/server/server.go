// Package server exposes the coordination core over HTTP: the WebSocket
// endpoint plus health and diagnostics routes.
package server

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/hub"
	"github.com/nfrund/parley/internal/middleware"
	"github.com/nfrund/parley/internal/websocket"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	E      *echo.Echo
	Cfg    *config.Config
	hub    *hub.Hub
	bridge *websocket.Bridge
	logger *slog.Logger
}

// New creates a new Server instance with its middleware chain installed.
// Call RegisterRoutes before Start.
func New(cfg *config.Config, h *hub.Hub, bridge *websocket.Bridge, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.Recover())
	setupErrorHandling(e)

	return &Server{
		E:      e,
		Cfg:    cfg,
		hub:    h,
		bridge: bridge,
		logger: logger.With("component", "server"),
	}
}

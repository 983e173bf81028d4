package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/parley/internal/middleware"
)

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	upgradeLimiter := middleware.RateLimiter(s.Cfg.UpgradeRatePerMin)

	s.E.GET("/ws", s.bridge.Handler(), upgradeLimiter)

	s.E.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.hub.Stats())
	})
	s.E.GET("/stats/rooms", func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.hub.RoomInfo())
	})

	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
}

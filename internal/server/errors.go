package server

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
)

// setupErrorHandling installs an HTTP error handler that logs unhandled errors
// with a stack trace and answers them with a bare 500.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			if he.Code >= http.StatusInternalServerError {
				slog.Error("HTTP error", "status", he.Code, "path", c.Path(), "error", err)
			}
			_ = c.JSON(he.Code, map[string]any{"message": he.Message})
			return
		}

		slog.Error("Internal Server Error (Unhandled)",
			"path", c.Path(),
			"error", err.Error(),
			"stack_trace", string(debug.Stack()),
		)
		_ = c.JSON(http.StatusInternalServerError, map[string]string{"message": http.StatusText(http.StatusInternalServerError)})
	}
}

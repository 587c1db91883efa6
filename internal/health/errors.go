package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"agentq/internal/db"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, apiErr := mapError(err)
	if jsonErr := c.JSON(status, errorEnvelope{Error: apiErr}); jsonErr != nil {
		slog.Error("health: failed to send error response", "err", jsonErr)
	}
}

func mapError(err error) (int, apiError) {
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, apiError{Code: http.StatusText(echoErr.Code), Message: msg}
	}

	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, apiError{Code: "not_found", Message: "job not found"}
	case errors.Is(err, db.ErrAmbiguousID):
		return http.StatusBadRequest, apiError{Code: "ambiguous_id", Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("health: store read timed out", "err", err)
		return http.StatusServiceUnavailable, apiError{Code: "unavailable", Message: "store did not answer in time"}
	default:
		slog.Error("health: unhandled error", "err", err)
		return http.StatusInternalServerError, apiError{Code: "internal_error", Message: "internal error"}
	}
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			slog.Debug("health: request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}

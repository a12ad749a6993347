package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/platform/auth"
)

// Logger emits one structured line per request. The actor role set by the
// auth middleware is included so queue mutations can be traced back to the
// kind of caller that made them.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}

			// Re-read the request: auth runs inside this middleware and
			// swaps in a context carrying the actor.
			req := c.Request()
			if role := auth.RoleFromContext(req.Context()); role != "" {
				evt = evt.Str("actor_role", role)
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("route", c.Path()).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

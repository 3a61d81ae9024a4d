package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one line per request and attaches a request-scoped logger to
// the request context, retrievable with zerolog.Ctx.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid := requestID(c)

			reqLogger := logger.With().Str("request_id", rid).Logger()
			c.SetRequest(req.WithContext(reqLogger.WithContext(req.Context())))

			err := next(c)
			if err != nil {
				// let echo write the error response so the logged status is the real one
				c.Error(err)
			}

			status := c.Response().Status
			evt := reqLogger.Info()
			switch {
			case status >= 500:
				evt = reqLogger.Error().Err(err)
			case status >= 400:
				evt = reqLogger.Warn().Err(err)
			}

			evt.
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("route", c.Path()).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return nil
		}
	}
}

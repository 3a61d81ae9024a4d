package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/patientrecord/internal/platform/telemetry"
)

// Metrics records request count and latency per route template. The status
// comes from the returned error when the response has not been written yet.
func Metrics(p *telemetry.Provider) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/metrics" {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.ObserveHTTP(c.Request().Method, route, strconv.Itoa(statusOf(c, err)), time.Since(start))
			return err
		}
	}
}

func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

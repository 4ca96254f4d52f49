package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"authproxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request: count and latency by method and status, requests
// in flight, and body bytes in each direction. Paths are not labeled since
// every path is forwarded.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			method := metrics.NormalizeMethod(c.Request().Method)
			status := strconv.Itoa(responseStatus(c, err))

			m.RequestsTotal.WithLabelValues(method, status).Inc()
			m.RequestDuration.WithLabelValues(method, status).Observe(elapsed)
			if n := c.Request().ContentLength; n > 0 {
				m.BytesIn.Add(float64(n))
			}
			m.BytesOut.Add(float64(c.Response().Size))

			return err
		}
	}
}

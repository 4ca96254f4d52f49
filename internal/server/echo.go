package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"authproxy/internal/config"
	"authproxy/internal/metrics"
	"authproxy/internal/middleware"
)

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadHeaderTimeout = 10 * time.Second
	// ReadTimeout and WriteTimeout stay disabled (0) so that long uploads and
	// streamed responses are never cut off; IdleTimeout reclaims keep-alive
	// connections.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second

	return e
}

// NewProxyEcho creates the Echo instance for forwarded traffic. All
// middleware runs before routing because the proxy handler itself is
// installed as the last pre-router middleware (see handler.RegisterProxy).
func NewProxyEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := newEcho()
	// "OPTIONS *" is forwarded like any other request instead of being
	// answered by net/http.
	e.Server.DisableGeneralOptionsHandler = true

	e.Pre(echomw.Recover())
	e.Pre(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
		// Forward the ID so upstream logs can be correlated with ours.
		RequestIDHandler: func(c echo.Context, id string) {
			c.Request().Header.Set(echo.HeaderXRequestID, id)
		},
	}))
	e.Pre(middleware.RequestLogger(logger))
	e.Pre(middleware.MetricsMiddleware(m))

	if cfg.Server.RateLimit.Enabled {
		e.Pre(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}
	if n := cfg.Server.BodyMaxBytes; n > 0 {
		e.Pre(echomw.BodyLimit(fmt.Sprintf("%dB", n)))
		logger.Info("request body limit enabled", "limit", humanize.IBytes(uint64(n)))
	}

	e.Pre(middleware.StripHopByHop())

	return e
}

// NewAdminEcho creates the Echo instance for health, status and metrics.
func NewAdminEcho() *echo.Echo {
	e := newEcho()
	e.Use(echomw.Recover())
	return e
}

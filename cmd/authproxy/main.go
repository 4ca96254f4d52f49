package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"

	"authproxy/internal/client"
	"authproxy/internal/config"
	"authproxy/internal/credential"
	"authproxy/internal/handler"
	"authproxy/internal/metrics"
	"authproxy/internal/server"
	"authproxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("authproxy"),
		kong.Description("Reverse proxy that forwards every request to one upstream, optionally adding HTTP Basic credentials."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(newFxLogger),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			credential.FromConfig,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			server.NewProxyEcho,
		),
		fx.Invoke(handler.RegisterProxy, warnConfig, startServers),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch cfg.Log.Format {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newFxLogger routes fx lifecycle events through slog; routine events are
// only visible at debug level.
func newFxLogger(logger *slog.Logger) fxevent.Logger {
	l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
	l.UseLogLevel(slog.LevelDebug)
	return l
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnUnsafe(logger)
}

func startServers(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
	proxy *echo.Echo,
	svc *service.ProxyService,
	health *handler.HealthHandler,
	uc *client.UpstreamClient,
) {
	var admin *echo.Echo

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("forwarding to upstream",
				"upstream", svc.Upstream().Redacted(),
				"auth", svc.AuthMode(),
				"timeout_seconds", cfg.Upstream.TimeoutSeconds,
				"idle_connections", cfg.Upstream.IdleConnections,
			)
			if _, err := server.Start(proxy, cfg.Server.ListenAddr, cfg.Server.ProxyProtocol, logger.With("server", "proxy")); err != nil {
				return err
			}

			if !cfg.Admin.Enabled {
				return nil
			}
			admin = server.NewAdminEcho()
			handler.RegisterAdmin(admin, health, m.Registry, cfg.Admin.MetricsPath)
			if _, err := server.Start(admin, cfg.Admin.Addr, false, logger.With("server", "admin")); err != nil {
				// OnStop is not called for a failed hook.
				return multierr.Append(err, proxy.Close())
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			err := proxy.Shutdown(ctx)
			if admin != nil {
				err = multierr.Append(err, admin.Shutdown(ctx))
			}
			uc.CloseIdleConnections()
			return err
		},
	})
}

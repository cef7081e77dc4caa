package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"ble-http-gateway/internal/client"
	"ble-http-gateway/internal/config"
	"ble-http-gateway/internal/gateway"
	"ble-http-gateway/internal/gatt"
	"ble-http-gateway/internal/gatt/loopback"
	"ble-http-gateway/internal/handler"
	"ble-http-gateway/internal/metrics"
	"ble-http-gateway/internal/middleware"
	"ble-http-gateway/internal/router"
	"ble-http-gateway/internal/service"
	"ble-http-gateway/internal/store"
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
		kong.Name("ble-http-gateway"),
		kong.Description("Bluetooth LE peripheral that performs HTTP requests on behalf of connected peers."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newPerformer,
			newStore,
			newForwarder,
			newDevice,
			func(d *loopback.Device) gatt.Device { return d },
			newRouter,
			gateway.New,
			func(gw *gateway.Gateway) handler.StatusSource { return gw },
			handler.NewHealthHandler,
			handler.NewEmulatorHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startGateway, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// Emulator exchanges block until the peer is notified.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if rl := middleware.RateLimiter(cfg.Server.RateLimit); rl != nil {
		e.Use(rl)
		logger.Info("rate limiter enabled",
			"rps", cfg.Server.RateLimit.RequestsPerSecond,
			"burst", cfg.Server.RateLimit.Burst,
		)
	}

	return e
}

func newPerformer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) client.Performer {
	return client.NewUpstreamClient(cfg, logger, m)
}

func newStore(cfg *config.Config, m *metrics.Metrics) *store.Store {
	return store.New(router.StoreOptions(cfg, m)...)
}

func newForwarder(c client.Performer, st *store.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*service.Forwarder, error) {
	return service.NewForwarder(c, st, cfg, logger, m)
}

func newDevice(cfg *config.Config, logger *slog.Logger) (*loopback.Device, error) {
	return loopback.New(logger,
		loopback.MTU(cfg.Gateway.MTU),
		loopback.AdvertisingInterval(cfg.Gateway.AdvertisingInterval()),
		loopback.MultiRole(*cfg.Gateway.MultiRole),
	)
}

func newRouter(cfg *config.Config, st *store.Store, fwd *service.Forwarder, logger *slog.Logger, m *metrics.Metrics) (*router.Router, error) {
	return router.New(cfg, st, fwd, logger, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startGateway(lc fx.Lifecycle, gw *gateway.Gateway, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := gw.Start(ctx); err != nil {
				return fmt.Errorf("start gateway: %w", err)
			}
			st := gw.Status()
			logger.Info("gateway started",
				"device_name", st.DeviceName,
				"layout", st.Layout,
				"radio", st.Radio,
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping gateway")
			return gw.Stop(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting status server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down status server")
			return e.Shutdown(ctx)
		},
	})
}

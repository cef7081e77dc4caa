package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ble-http-gateway/internal/config"
	"ble-http-gateway/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, health *HealthHandler, emu *EmulatorHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	if cfg.Server.Emulator {
		g := e.Group("/emulator")
		g.POST("/radio", emu.SetRadio)
		g.POST("/peers", emu.AddPeer)
		g.GET("/peers/:id", emu.GetPeer)
		g.DELETE("/peers/:id", emu.RemovePeer)
		g.POST("/peers/:id/exchange", emu.Exchange)
		g.POST("/peers/:id/write", emu.Write)
		g.GET("/peers/:id/read", emu.Read)
	}
}

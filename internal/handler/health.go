package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ble-http-gateway/internal/gateway"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusSource reports the gateway's state.
type StatusSource interface {
	Status() gateway.Status
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	gw      StatusSource
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(gw StatusSource, v Version) *HealthHandler {
	return &HealthHandler{gw: gw, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Gateway gateway.Status `json:"gateway"`
}

// Status returns the gateway's radio, session and response state. It
// answers 503 while the gateway is not running.
func (h *HealthHandler) Status(c echo.Context) error {
	st := h.gw.Status()
	resp := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Gateway: st,
	}
	code := http.StatusOK
	if !st.Running {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"ble-http-gateway/internal/config"
	"ble-http-gateway/internal/gatt"
	"ble-http-gateway/internal/gatt/loopback"
	"ble-http-gateway/internal/peer"
)

const defaultExchangeTimeout = 10 * time.Second

var errUnknownPeer = errors.New("unknown peer")

// EmulatorHandler lets HTTP clients act as simulated peers on the
// loopback radio.
type EmulatorHandler struct {
	dev    *loopback.Device
	cfg    *config.Config
	marker gatt.UUID
	logger *slog.Logger
}

// NewEmulatorHandler creates an EmulatorHandler.
func NewEmulatorHandler(dev *loopback.Device, cfg *config.Config, logger *slog.Logger) (*EmulatorHandler, error) {
	marker, err := gatt.ParseUUID(cfg.Gateway.MarkerUUID)
	if err != nil {
		return nil, fmt.Errorf("marker uuid: %w", err)
	}
	return &EmulatorHandler{
		dev:    dev,
		cfg:    cfg,
		marker: marker,
		logger: logger.With("component", "emulator_handler"),
	}, nil
}

type radioRequest struct {
	State string `json:"state"`
}

// SetRadio powers the loopback radio on or off.
func (h *EmulatorHandler) SetRadio(c echo.Context) error {
	var req radioRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
	}
	switch req.State {
	case "on":
		h.dev.SetState(gatt.StatePoweredOn)
	case "off":
		h.dev.SetState(gatt.StatePoweredOff)
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": `state must be "on" or "off"`})
	}
	return c.JSON(http.StatusOK, map[string]string{"radio": h.dev.State().String()})
}

type addPeerRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Marker defaults to true; a peer without it is ignored by discovery.
	Marker *bool `json:"marker"`
}

type peerResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Connected bool   `json:"connected"`
}

// AddPeer brings a simulated peer into range.
func (h *EmulatorHandler) AddPeer(c echo.Context) error {
	var req addPeerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
	}
	if req.ID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id is required"})
	}
	if _, exists := h.dev.Peer(req.ID); exists {
		return c.JSON(http.StatusConflict, map[string]string{"error": "peer already in range"})
	}

	var services []gatt.UUID
	if req.Marker == nil || *req.Marker {
		services = append(services, h.marker)
	}
	p := h.dev.AddPeer(req.ID, req.Name, services...)
	h.logger.Info("peer added", "peer", p.ID(), "marker", len(services) > 0)

	return c.JSON(http.StatusCreated, peerResponse{
		ID:        p.ID(),
		Name:      p.Name(),
		Connected: h.dev.Connected(p.ID()),
	})
}

// GetPeer reports whether a peer is in range and connected.
func (h *EmulatorHandler) GetPeer(c echo.Context) error {
	p, err := h.peer(c)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, peerResponse{ID: p.ID(), Name: p.Name(), Connected: h.dev.Connected(p.ID())})
}

// RemovePeer disconnects a peer and takes it out of range.
func (h *EmulatorHandler) RemovePeer(c echo.Context) error {
	p, err := h.peer(c)
	if err != nil {
		return h.mapError(c, err)
	}
	h.dev.RemovePeer(p.ID())
	if h.dev.Connected(p.ID()) {
		_ = h.dev.Disconnect(p.ID())
	}
	return c.NoContent(http.StatusNoContent)
}

type exchangeResponse struct {
	Token   string `json:"token"`
	Headers string `json:"headers,omitempty"`
	Body    string `json:"body"`
}

// Exchange writes the request body as a raw HTTP request from the peer,
// waits for the gateway's notification and returns the reassembled
// response. Query parameters: https (split layout channel), chunk
// (prepared-write fragment size), timeout_ms.
func (h *EmulatorHandler) Exchange(c echo.Context) error {
	p, err := h.peer(c)
	if err != nil {
		return h.mapError(c, err)
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}

	timeout := defaultExchangeTimeout
	if v := c.QueryParam("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "timeout_ms must be a positive integer"})
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	chunk := peer.DefaultChunkSize
	if v := c.QueryParam("chunk"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "chunk must be a positive integer"})
		}
		chunk = n
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	client := peer.New(p, h.channels(c.QueryParam("https") == "true"), h.logger, peer.WithChunkSize(chunk))
	resp, err := client.Do(ctx, raw)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, exchangeResponse{
		Token:   resp.Token,
		Headers: string(resp.Headers),
		Body:    string(resp.Body),
	})
}

// Write sends the request body to the write channel without waiting
// for a response.
func (h *EmulatorHandler) Write(c echo.Context) error {
	p, err := h.peer(c)
	if err != nil {
		return h.mapError(c, err)
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}
	client := peer.New(p, h.channels(c.QueryParam("https") == "true"), h.logger)
	if err := client.Send(raw); err != nil {
		return h.mapError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// Read performs one read of the body or headers channel at the given
// offset and returns the raw bytes.
func (h *EmulatorHandler) Read(c echo.Context) error {
	p, err := h.peer(c)
	if err != nil {
		return h.mapError(c, err)
	}
	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "offset must be a non-negative integer"})
		}
	}

	ch := h.channels(false)
	char := ch.Body
	if c.QueryParam("channel") == "headers" {
		if ch.Headers == (gatt.UUID{}) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "layout has no headers channel"})
		}
		char = ch.Headers
	}

	data, err := p.Read(char, offset)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

func (h *EmulatorHandler) channels(https bool) peer.Channels {
	if h.cfg.Gateway.Layout == config.LayoutCombined {
		return peer.CombinedChannels()
	}
	return peer.SplitChannels(https)
}

func (h *EmulatorHandler) peer(c echo.Context) (*loopback.Peer, error) {
	id := c.Param("id")
	p, ok := h.dev.Peer(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownPeer, id)
	}
	return p, nil
}

func (h *EmulatorHandler) mapError(c echo.Context, err error) error {
	h.logger.Warn("emulator error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, errUnknownPeer) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "peer not in range",
		})
	}

	if errors.Is(err, gatt.ErrNotConnected) {
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "peer is not connected to the gateway",
		})
	}

	if errors.Is(err, gatt.ErrUnknownCharacteristic) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "characteristic not published by the gateway",
		})
	}

	if errors.Is(err, gatt.ErrPrepareQueueFull) {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error": "request exceeds the prepared write queue",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "no notification before timeout",
		})
	}

	if errors.Is(err, peer.ErrSubscriptionClosed) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "peer disconnected while waiting",
		})
	}

	var attErr *loopback.ATTError
	if errors.As(err, &attErr) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": attErr.Error(),
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "emulator operation failed",
	})
}

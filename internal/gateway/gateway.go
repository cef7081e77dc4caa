// Package gateway assembles the radio, session coordinator, advertiser,
// router and forwarder into one running gateway.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ble-http-gateway/internal/config"
	"ble-http-gateway/internal/gatt"
	"ble-http-gateway/internal/metrics"
	"ble-http-gateway/internal/router"
	"ble-http-gateway/internal/service"
	"ble-http-gateway/internal/session"
	"ble-http-gateway/internal/store"
)

// Gateway owns the GATT device for the life of the process.
type Gateway struct {
	dev    gatt.Device
	coord  *session.Coordinator
	adv    *session.Advertiser
	router *router.Router
	store  *store.Store
	fwd    *service.Forwarder
	cfg    *config.Config
	logger *slog.Logger

	mu        sync.Mutex
	radio     gatt.State
	running   bool
	startedAt time.Time
}

// New wires the coordinator and advertiser to dev. Nothing touches the
// radio until Start.
func New(dev gatt.Device, r *router.Router, st *store.Store, fwd *service.Forwarder, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Gateway, error) {
	coord, err := session.NewCoordinator(dev, cfg, logger, m, session.WithTeardown(st.UnsubscribeAll))
	if err != nil {
		return nil, fmt.Errorf("session coordinator: %w", err)
	}
	adv := session.NewAdvertiser(dev, cfg.Gateway.DeviceName, []*gatt.Service{r.Service()}, logger)

	return &Gateway{
		dev:    dev,
		coord:  coord,
		adv:    adv,
		router: r,
		store:  st,
		fwd:    fwd,
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		radio:  gatt.StateUnknown,
	}, nil
}

// Start registers the device handlers and powers the radio on.
func (g *Gateway) Start(_ context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = true
	g.startedAt = time.Now()
	g.mu.Unlock()

	g.dev.Handle(
		gatt.PeripheralDiscovered(func(p gatt.Peripheral, a *gatt.Advertisement, _ int) {
			g.coord.Discovered(p, a)
		}),
		gatt.PeripheralConnected(g.coord.Connected),
		gatt.PeripheralDisconnected(func(p gatt.Peripheral, err error) {
			if err != nil {
				g.logger.Debug("peer link lost", "peer", p.ID(), "error", err)
			}
			g.coord.Disconnected(p)
		}),
		gatt.CentralConnected(func(c gatt.Central) {
			g.logger.Debug("central connected", "central", c.ID(), "mtu", c.MTU())
		}),
		gatt.CentralDisconnected(func(c gatt.Central) {
			g.logger.Debug("central disconnected", "central", c.ID())
		}),
		gatt.AdvertisingStarted(g.adv.AdvertisingStarted),
	)

	g.logger.Info("starting gateway",
		"layout", g.router.Layout(),
		"device_name", g.cfg.Gateway.DeviceName,
		"advertising_interval", g.cfg.Gateway.AdvertisingInterval(),
		"marker", g.coord.Marker().String(),
		"session_timeout", g.cfg.Session.Timeout(),
	)
	if err := g.dev.Init(g.stateChanged); err != nil {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
		return fmt.Errorf("init radio: %w", err)
	}
	return nil
}

// Stop powers the radio off and waits for in-flight forwards.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	g.mu.Unlock()

	g.logger.Info("stopping gateway")
	g.fwd.Stop()
	if err := g.dev.Stop(); err != nil {
		return fmt.Errorf("stop radio: %w", err)
	}
	return nil
}

func (g *Gateway) stateChanged(_ gatt.Device, s gatt.State) {
	g.mu.Lock()
	g.radio = s
	g.mu.Unlock()

	g.logger.Info("radio state changed", "state", s.String())
	g.adv.PowerChanged(s)
	g.coord.PowerChanged(s)
}

// Status is a point-in-time view of the gateway.
type Status struct {
	Running             bool            `json:"running"`
	Uptime              string          `json:"uptime,omitempty"`
	Layout              string          `json:"layout"`
	DeviceName          string          `json:"device_name"`
	Radio               string          `json:"radio"`
	Advertising         string          `json:"advertising"`
	AdvertisingError    string          `json:"advertising_error,omitempty"`
	AdvertisingInterval string          `json:"advertising_interval"`
	Session             string          `json:"session"`
	Peer                *PeerStatus     `json:"peer,omitempty"`
	Response            ResponseStatus  `json:"response"`
	Subscribers         SubscriberState `json:"subscribers"`
}

// PeerStatus describes the associated peer.
type PeerStatus struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ResponseStatus describes the stored response.
type ResponseStatus struct {
	StatusCode  int    `json:"status_code"`
	HeaderBytes int    `json:"header_bytes"`
	BodyBytes   int    `json:"body_bytes"`
	Generation  uint64 `json:"generation"`
}

// SubscriberState reports which buffers have a notifier.
type SubscriberState struct {
	Headers bool `json:"headers"`
	Body    bool `json:"body"`
}

// Status returns the current status.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	st := Status{
		Running:             g.running,
		Layout:              g.router.Layout(),
		DeviceName:          g.cfg.Gateway.DeviceName,
		Radio:               g.radio.String(),
		AdvertisingInterval: g.cfg.Gateway.AdvertisingInterval().String(),
	}
	if g.running {
		st.Uptime = time.Since(g.startedAt).Truncate(time.Second).String()
	}
	g.mu.Unlock()

	advState, advErr := g.adv.State()
	st.Advertising = advState.String()
	if advErr != nil {
		st.AdvertisingError = advErr.Error()
	}

	st.Session = g.coord.State().String()
	if s, ok := g.coord.Session(); ok {
		st.Peer = &PeerStatus{
			ID:          s.PeerID,
			Name:        s.PeerName,
			ConnectedAt: s.ConnectedAt,
			ExpiresAt:   s.ExpiresAt,
		}
	}

	snap := g.store.Snapshot()
	st.Response = ResponseStatus{
		StatusCode:  snap.StatusCode,
		HeaderBytes: len(snap.Headers),
		BodyBytes:   len(snap.Body),
		Generation:  snap.Generation,
	}
	st.Subscribers = SubscriberState{
		Headers: g.store.Subscribed(store.Headers),
		Body:    g.store.Subscribed(store.Body),
	}
	return st
}

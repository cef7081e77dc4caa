// Package session tracks the single peer association: it scans for a
// peer advertising the gateway marker, connects, bounds the association
// with a timeout and returns to discovery when the association ends.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ble-http-gateway/internal/config"
	"ble-http-gateway/internal/gatt"
	"ble-http-gateway/internal/metrics"
)

// ErrConnectFailure is logged when a connect attempt to a discovered peer fails.
var ErrConnectFailure = errors.New("connect to peer failed")

// State is the coordinator's position in the association lifecycle.
type State int

// Coordinator states.
const (
	Idle State = iota
	Discovering
	Connecting
	Associated
)

var stateNames = []string{"idle", "discovering", "connecting", "associated"}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Session end reasons, used as metric labels.
const (
	reasonDisconnect    = "disconnect"
	reasonTimeout       = "timeout"
	reasonPowerOff      = "power_off"
	reasonConnectFailed = "connect_failed"
)

// Radio is the part of gatt.Device the coordinator drives.
type Radio interface {
	Scan(ss []gatt.UUID, dup bool)
	StopScanning()
	Connect(p gatt.Peripheral)
	CancelConnection(p gatt.Peripheral)
}

// Session describes the current association.
type Session struct {
	PeerID      string
	PeerName    string
	ConnectedAt time.Time
	ExpiresAt   time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithTeardown registers a function run after every association ends,
// outside the coordinator's lock.
func WithTeardown(f func()) Option {
	return func(co *Coordinator) { co.teardown = f }
}

// Coordinator owns the association state machine. Event methods may be
// called from any goroutine, including synchronously from inside radio
// calls the coordinator makes.
type Coordinator struct {
	radio    Radio
	marker   gatt.UUID
	timeout  time.Duration
	clock    Clock
	teardown func()
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	state    State
	pending  gatt.Peripheral
	peer     gatt.Peripheral
	session  Session
	timer    Timer
	gen      uint64
	canceled string
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator(radio Radio, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) (*Coordinator, error) {
	marker, err := gatt.ParseUUID(cfg.Gateway.MarkerUUID)
	if err != nil {
		return nil, fmt.Errorf("marker uuid: %w", err)
	}
	c := &Coordinator{
		radio:   radio,
		marker:  marker,
		timeout: cfg.Session.Timeout(),
		clock:   realClock{},
		logger:  logger.With("component", "session"),
		metrics: m,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics.SetState(Idle.String(), stateNames)
	return c, nil
}

// Marker returns the service UUID peers advertise to ask for the gateway.
func (c *Coordinator) Marker() gatt.UUID {
	return c.marker
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the current association, if any.
func (c *Coordinator) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.state == Associated
}

// PowerChanged handles a radio power transition.
func (c *Coordinator) PowerChanged(s gatt.State) {
	c.mu.Lock()
	// Links do not survive a power transition, so no forced-cancel echo is
	// still owed.
	c.canceled = ""
	if s == gatt.StatePoweredOn {
		if c.state != Idle {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(Discovering)
		c.mu.Unlock()
		c.logger.Info("radio powered on, scanning for peers", "marker", c.marker.String())
		c.scan()
		return
	}

	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	ended := c.endLocked(reasonPowerOff)
	c.pending = nil
	c.setStateLocked(Idle)
	c.mu.Unlock()

	c.logger.Info("radio left powered on state", "state", s.String())
	c.radio.StopScanning()
	if ended {
		c.runTeardown()
	}
}

// Discovered handles an advertisement seen while scanning.
func (c *Coordinator) Discovered(p gatt.Peripheral, adv *gatt.Advertisement) {
	if adv == nil || len(adv.Services) == 0 || !gatt.Contains(adv.Services, c.marker) {
		return
	}

	c.mu.Lock()
	if c.state != Discovering {
		c.mu.Unlock()
		return
	}
	c.pending = p
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	c.logger.Info("peer discovered, connecting", "peer", p.ID(), "name", adv.LocalName)
	c.radio.StopScanning()
	c.radio.Connect(p)
}

// Connected handles the result of a connect attempt.
func (c *Coordinator) Connected(p gatt.Peripheral, err error) {
	c.mu.Lock()
	if c.state != Connecting || c.pending == nil || c.pending.ID() != p.ID() {
		c.mu.Unlock()
		return
	}
	c.pending = nil

	if err != nil {
		c.setStateLocked(Discovering)
		c.mu.Unlock()
		c.metrics.SessionsTotal.WithLabelValues(reasonConnectFailed).Inc()
		c.logger.Warn("connect failed, resuming discovery",
			"peer", p.ID(),
			"error", fmt.Errorf("%w: %w", ErrConnectFailure, err),
		)
		c.scan()
		return
	}

	if c.canceled == p.ID() {
		c.canceled = ""
	}
	now := c.clock.Now()
	c.peer = p
	c.session = Session{
		PeerID:      p.ID(),
		PeerName:    p.Name(),
		ConnectedAt: now,
		ExpiresAt:   now.Add(c.timeout),
	}
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.timeout, func() { c.expire(gen) })
	c.setStateLocked(Associated)
	c.mu.Unlock()

	c.logger.Info("peer associated", "peer", p.ID(), "timeout", c.timeout)
}

// Disconnected handles a peer dropping the link.
func (c *Coordinator) Disconnected(p gatt.Peripheral) {
	c.mu.Lock()
	if c.canceled != "" && c.canceled == p.ID() {
		c.canceled = ""
		c.mu.Unlock()
		return
	}
	if c.state != Associated || c.peer == nil || c.peer.ID() != p.ID() {
		c.mu.Unlock()
		return
	}
	c.endLocked(reasonDisconnect)
	c.setStateLocked(Discovering)
	c.mu.Unlock()

	c.logger.Info("peer disconnected, resuming discovery", "peer", p.ID())
	c.runTeardown()
	c.scan()
}

func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Associated {
		c.mu.Unlock()
		return
	}
	p := c.peer
	c.canceled = p.ID()
	c.endLocked(reasonTimeout)
	c.setStateLocked(Discovering)
	c.mu.Unlock()

	c.logger.Info("association timed out, disconnecting peer", "peer", p.ID(), "timeout", c.timeout)
	c.radio.CancelConnection(p)
	c.runTeardown()
	c.scan()
}

// endLocked clears the association and reports whether there was one.
// c.mu must be held.
func (c *Coordinator) endLocked(reason string) bool {
	if c.state != Associated {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.peer = nil
	c.session = Session{}
	c.metrics.SessionsTotal.WithLabelValues(reason).Inc()
	return true
}

func (c *Coordinator) setStateLocked(s State) {
	c.state = s
	c.metrics.SetState(s.String(), stateNames)
}

func (c *Coordinator) scan() {
	c.radio.Scan([]gatt.UUID{c.marker}, false)
}

func (c *Coordinator) runTeardown() {
	if c.teardown != nil {
		c.teardown()
	}
}

// Package loopback implements gatt.Device in process. The gateway side
// uses it exactly like a radio binding; the other side of the link is a
// simulated peer that advertises, accepts connections, and reads, writes
// and subscribes to the published characteristics.
package loopback

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ble-http-gateway/internal/gatt"
)

const notifyQueueLen = 16

var _ gatt.Device = (*Device)(nil)

// Device is an in-process gatt.Device.
type Device struct {
	logger *slog.Logger

	mu           sync.Mutex
	handlers     gatt.Handlers
	stateChanged func(gatt.Device, gatt.State)
	state        gatt.State

	services []*gatt.Service

	advertising bool
	advName     string
	advServices []gatt.UUID
	advInterval time.Duration
	multiRole   bool
	failAdv     error
	failSvc     error

	scanning   bool
	scanFilter []gatt.UUID
	peers      map[string]*Peer

	connected  map[string]*Peer
	failConn   map[string]error
	mtu        int
	queueLimit int

	prepared  map[string][]preparedWrite
	notifiers map[string]*notifier
}

// Peer is a simulated remote device.
type Peer struct {
	id       string
	name     string
	services []gatt.UUID
	rssi     int
	dev      *Device
}

// ID implements gatt.Peripheral and gatt.Central.
func (p *Peer) ID() string { return p.id }

// Name implements gatt.Peripheral.
func (p *Peer) Name() string { return p.name }

// MTU implements gatt.Central.
func (p *Peer) MTU() int { return p.dev.MTU() }

// Close implements gatt.Central by disconnecting the peer.
func (p *Peer) Close() error { return p.dev.Disconnect(p.id) }

// Services returns the advertised service UUIDs.
func (p *Peer) Services() []gatt.UUID { return p.services }

type preparedWrite struct {
	char   gatt.UUID
	offset int
	data   []byte
}

// New creates a powered-off Device. Options apply the same way as
// through Device.Option.
func New(logger *slog.Logger, opts ...gatt.Option) (*Device, error) {
	d := &Device{
		logger:     logger.With("component", "loopback_radio"),
		state:      gatt.StatePoweredOff,
		peers:      make(map[string]*Peer),
		connected:  make(map[string]*Peer),
		failConn:   make(map[string]error),
		mtu:        gatt.DefaultMTU,
		queueLimit: gatt.MaxAttributeLength,
		prepared:   make(map[string][]preparedWrite),
		notifiers:  make(map[string]*notifier),
	}
	if err := d.Option(opts...); err != nil {
		return nil, err
	}
	return d, nil
}

// MTU sets the ATT MTU reported to handlers; reads are capped at MTU-1.
func MTU(n int) gatt.Option {
	return func(d gatt.Device) error {
		ld, ok := d.(*Device)
		if !ok {
			return fmt.Errorf("loopback option on %T", d)
		}
		if n < gatt.DefaultMTU {
			return fmt.Errorf("mtu %d below minimum %d", n, gatt.DefaultMTU)
		}
		ld.mu.Lock()
		ld.mtu = n
		ld.mu.Unlock()
		return nil
	}
}

// AdvertisingInterval sets the interval the device reports it
// advertises at.
func AdvertisingInterval(iv time.Duration) gatt.Option {
	return func(d gatt.Device) error {
		ld, ok := d.(*Device)
		if !ok {
			return fmt.Errorf("loopback option on %T", d)
		}
		if iv <= 0 {
			return fmt.Errorf("advertising interval %s must be positive", iv)
		}
		ld.mu.Lock()
		ld.advInterval = iv
		ld.mu.Unlock()
		return nil
	}
}

// MultiRole allows scanning while serving. Without it, Scan is refused
// while advertising, as on single-role controllers.
func MultiRole(on bool) gatt.Option {
	return func(d gatt.Device) error {
		ld, ok := d.(*Device)
		if !ok {
			return fmt.Errorf("loopback option on %T", d)
		}
		ld.mu.Lock()
		ld.multiRole = on
		ld.mu.Unlock()
		return nil
	}
}

// PrepareQueueLimit bounds the bytes a peer may queue with PrepareWrite.
func PrepareQueueLimit(n int) gatt.Option {
	return func(d gatt.Device) error {
		ld, ok := d.(*Device)
		if !ok {
			return fmt.Errorf("loopback option on %T", d)
		}
		ld.mu.Lock()
		ld.queueLimit = n
		ld.mu.Unlock()
		return nil
	}
}

// Option implements gatt.Device.
func (d *Device) Option(opts ...gatt.Option) error {
	var err error
	for _, opt := range opts {
		if e := opt(d); e != nil {
			err = e
		}
	}
	return err
}

// Handle implements gatt.Device.
func (d *Device) Handle(hh ...gatt.Handler) {
	d.mu.Lock()
	d.handlers.Apply(hh...)
	d.mu.Unlock()
}

// Init implements gatt.Device. It powers the device on.
func (d *Device) Init(stateChanged func(gatt.Device, gatt.State)) error {
	d.mu.Lock()
	d.stateChanged = stateChanged
	d.mu.Unlock()
	d.SetState(gatt.StatePoweredOn)
	return nil
}

// SetState simulates a power transition. Leaving PoweredOn drops every
// connection and stops advertising and scanning.
func (d *Device) SetState(s gatt.State) {
	d.mu.Lock()
	if d.state == s {
		d.mu.Unlock()
		return
	}
	d.state = s
	var dropped []*Peer
	if s != gatt.StatePoweredOn {
		d.advertising = false
		d.scanning = false
		for id, p := range d.connected {
			dropped = append(dropped, p)
			d.dropLocked(id)
		}
	}
	cb := d.stateChanged
	h := d.handlers
	d.mu.Unlock()

	d.logger.Debug("state changed", "state", s.String())
	for _, p := range dropped {
		if h.PeripheralDisconnectedFunc != nil {
			h.PeripheralDisconnectedFunc(p, gatt.ErrNotConnected)
		}
	}
	if cb != nil {
		cb(d, s)
	}
}

// State returns the current power state.
func (d *Device) State() gatt.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stop implements gatt.Device.
func (d *Device) Stop() error {
	d.SetState(gatt.StatePoweredOff)
	return nil
}

// SetServices implements gatt.Device.
func (d *Device) SetServices(ss []*gatt.Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failSvc; err != nil {
		d.failSvc = nil
		return err
	}
	d.services = append([]*gatt.Service(nil), ss...)
	return nil
}

// Services returns the published services.
func (d *Device) Services() []*gatt.Service {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*gatt.Service(nil), d.services...)
}

// FailNextSetServices makes the next SetServices call return err.
func (d *Device) FailNextSetServices(err error) {
	d.mu.Lock()
	d.failSvc = err
	d.mu.Unlock()
}

// AdvertiseNameAndServices implements gatt.Device.
func (d *Device) AdvertiseNameAndServices(name string, ss []gatt.UUID) error {
	d.mu.Lock()
	err := d.failAdv
	d.failAdv = nil
	if err == nil && d.state != gatt.StatePoweredOn {
		err = gatt.ErrAdvertisingUnavailable
	}
	if err == nil {
		d.advertising = true
		d.advName = name
		d.advServices = append([]gatt.UUID(nil), ss...)
	}
	h := d.handlers
	iv := d.advInterval
	d.mu.Unlock()

	if err == nil {
		d.logger.Debug("advertising", "name", name, "services", len(ss), "interval", iv)
	}

	if h.AdvertisingStartedFunc != nil {
		h.AdvertisingStartedFunc(err)
	}
	return err
}

// FailNextAdvertise makes the next AdvertiseNameAndServices call fail with err.
func (d *Device) FailNextAdvertise(err error) {
	d.mu.Lock()
	d.failAdv = err
	d.mu.Unlock()
}

// StopAdvertising implements gatt.Device.
func (d *Device) StopAdvertising() error {
	d.mu.Lock()
	d.advertising = false
	d.mu.Unlock()
	return nil
}

// Advertising reports the current advertising name and services.
func (d *Device) Advertising() (name string, services []gatt.UUID, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advName, append([]gatt.UUID(nil), d.advServices...), d.advertising
}

// AdvertisingInterval returns the configured advertising interval.
func (d *Device) AdvertisingInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advInterval
}

// Scan implements gatt.Device. Peers already in range that match the
// filter are reported immediately, in ID order.
func (d *Device) Scan(ss []gatt.UUID, dup bool) {
	d.mu.Lock()
	if d.state != gatt.StatePoweredOn {
		d.mu.Unlock()
		d.logger.Warn("scan requested while not powered on")
		return
	}
	if d.advertising && !d.multiRole {
		d.mu.Unlock()
		d.logger.Warn("scan refused: device is advertising and multi-role is off")
		return
	}
	d.scanning = true
	d.scanFilter = append([]gatt.UUID(nil), ss...)
	ids := make([]string, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		d.mu.Lock()
		p, ok := d.peers[id]
		d.mu.Unlock()
		if ok {
			d.report(p)
		}
	}
}

// StopScanning implements gatt.Device.
func (d *Device) StopScanning() {
	d.mu.Lock()
	d.scanning = false
	d.mu.Unlock()
}

// Scanning reports whether a scan is active.
func (d *Device) Scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanning
}

// AddPeer brings a simulated peer into range. While scanning, a peer
// that matches the filter is reported to PeripheralDiscovered.
func (d *Device) AddPeer(id, name string, services ...gatt.UUID) *Peer {
	p := &Peer{id: id, name: name, services: services, rssi: -60, dev: d}
	d.mu.Lock()
	d.peers[id] = p
	d.mu.Unlock()
	d.report(p)
	return p
}

// RemovePeer takes a peer out of range.
func (d *Device) RemovePeer(id string) {
	d.mu.Lock()
	delete(d.peers, id)
	d.mu.Unlock()
}

// Peer returns the peer with the given ID, if in range.
func (d *Device) Peer(id string) (*Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	return p, ok
}

func (d *Device) report(p *Peer) {
	d.mu.Lock()
	match := d.scanning && (len(d.scanFilter) == 0 || anyIn(p.services, d.scanFilter))
	h := d.handlers
	d.mu.Unlock()

	if !match || h.PeripheralDiscoveredFunc == nil {
		return
	}
	adv := &gatt.Advertisement{
		LocalName:   p.name,
		Services:    append([]gatt.UUID(nil), p.services...),
		Connectable: true,
	}
	h.PeripheralDiscoveredFunc(p, adv, p.rssi)
}

// FailNextConnect makes the next connect attempt to id fail with err.
func (d *Device) FailNextConnect(id string, err error) {
	d.mu.Lock()
	d.failConn[id] = err
	d.mu.Unlock()
}

// Connect implements gatt.Device. The result is reported synchronously
// through PeripheralConnected.
func (d *Device) Connect(p gatt.Peripheral) {
	d.mu.Lock()
	err := d.failConn[p.ID()]
	delete(d.failConn, p.ID())
	peer, inRange := d.peers[p.ID()]
	if err == nil && !inRange {
		err = fmt.Errorf("connect %s: %w", p.ID(), gatt.ErrNotConnected)
	}
	if err == nil {
		d.connected[p.ID()] = peer
	}
	h := d.handlers
	d.mu.Unlock()

	if h.PeripheralConnectedFunc != nil {
		if err != nil {
			h.PeripheralConnectedFunc(p, err)
		} else {
			h.PeripheralConnectedFunc(peer, nil)
		}
	}
	if err == nil && h.CentralConnectedFunc != nil {
		h.CentralConnectedFunc(peer)
	}
}

// CancelConnection implements gatt.Device.
func (d *Device) CancelConnection(p gatt.Peripheral) {
	d.disconnect(p.ID(), nil)
}

// Disconnect simulates the peer dropping the link.
func (d *Device) Disconnect(id string) error {
	if !d.disconnect(id, nil) {
		return fmt.Errorf("disconnect %s: %w", id, gatt.ErrNotConnected)
	}
	return nil
}

func (d *Device) disconnect(id string, reason error) bool {
	d.mu.Lock()
	p, ok := d.connected[id]
	if ok {
		d.dropLocked(id)
	}
	h := d.handlers
	d.mu.Unlock()

	if !ok {
		return false
	}
	d.logger.Debug("peer disconnected", "peer", id)
	if h.PeripheralDisconnectedFunc != nil {
		h.PeripheralDisconnectedFunc(p, reason)
	}
	if h.CentralDisconnectedFunc != nil {
		h.CentralDisconnectedFunc(p)
	}
	return true
}

// dropLocked forgets per-connection state. d.mu must be held.
func (d *Device) dropLocked(id string) {
	delete(d.connected, id)
	delete(d.prepared, id)
	for key, n := range d.notifiers {
		if n.peer == id {
			n.stop()
			delete(d.notifiers, key)
		}
	}
}

// Connected reports whether id is connected.
func (d *Device) Connected(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.connected[id]
	return ok
}

// MTU returns the configured ATT MTU.
func (d *Device) MTU() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtu
}

func anyIn(have, want []gatt.UUID) bool {
	for _, u := range have {
		if gatt.Contains(want, u) {
			return true
		}
	}
	return false
}

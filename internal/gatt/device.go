package gatt

import "errors"

// Errors reported by Device implementations.
var (
	ErrNotConnected           = errors.New("peer not connected")
	ErrUnknownCharacteristic  = errors.New("unknown characteristic")
	ErrPrepareQueueFull       = errors.New("prepare write queue full")
	ErrNotificationsDisabled  = errors.New("central stopped notifications")
	ErrUnsupportedOperation   = errors.New("operation not supported by characteristic")
	ErrAdvertisingUnavailable = errors.New("advertising unavailable")
)

// State is the power state of the radio.
type State int

const (
	StateUnknown      State = 0
	StateResetting    State = 1
	StateUnsupported  State = 2
	StateUnauthorized State = 3
	StatePoweredOff   State = 4
	StatePoweredOn    State = 5
)

func (s State) String() string {
	str := []string{
		"Unknown",
		"Resetting",
		"Unsupported",
		"Unauthorized",
		"PoweredOff",
		"PoweredOn",
	}
	if int(s) < 0 || int(s) >= len(str) {
		return "Invalid"
	}
	return str[int(s)]
}

// Peripheral is a remote device found while scanning.
type Peripheral interface {
	// ID returns a platform specific identifier, usually the address.
	ID() string
	// Name returns the advertised local name, if any.
	Name() string
}

// Central is a remote device connected to the local GATT server.
type Central interface {
	ID() string   // ID returns platform specific ID of the remote central device.
	Close() error // Close disconnects the connection.
	MTU() int     // MTU returns the current connection mtu.
}

// Advertisement is the decoded advertising data of a peripheral.
type Advertisement struct {
	LocalName        string
	ManufacturerData []byte
	Services         []UUID
	TxPowerLevel     int
	Connectable      bool
}

// Device defines the interface for a BLE device acting in both roles:
// a GATT server that peers read and write, and a central that scans for
// and connects to peers.
type Device interface {
	// Init powers the device up; stateChanged is called on every power
	// state transition.
	Init(stateChanged func(Device, State)) error

	// AdvertiseNameAndServices advertises device name, and specified service UUIDs.
	AdvertiseNameAndServices(name string, ss []UUID) error

	// StopAdvertising stops advertising.
	StopAdvertising() error

	// SetServices set the specified service to the database.
	// It removes all currently added services, if any.
	SetServices(ss []*Service) error

	// Scan discovers surrounding remote peripherals that have a Service UUID in ss.
	// If ss is nil, all devices scanned are reported.
	// dup specifies whether duplicated advertisements should be reported.
	Scan(ss []UUID, dup bool)

	// StopScanning stops scanning.
	StopScanning()

	// Connect connects to a remote peripheral. The result is reported
	// through the PeripheralConnected handler.
	Connect(p Peripheral)

	// CancelConnection disconnects a remote peripheral.
	CancelConnection(p Peripheral)

	// Handle registers handlers.
	Handle(hh ...Handler)

	// Option configures the device.
	Option(opts ...Option) error

	// Stop releases the device.
	Stop() error
}

// Handlers are the callbacks a Device invokes. Implementations embed it.
type Handlers struct {
	// CentralConnectedFunc is called when a remote central connects to the server.
	CentralConnectedFunc func(c Central)

	// CentralDisconnectedFunc is called when a remote central disconnects.
	CentralDisconnectedFunc func(c Central)

	// PeripheralDiscoveredFunc is called when a peripheral is found during scanning.
	PeripheralDiscoveredFunc func(p Peripheral, a *Advertisement, rssi int)

	// PeripheralConnectedFunc is called when a connect attempt completes.
	PeripheralConnectedFunc func(p Peripheral, err error)

	// PeripheralDisconnectedFunc is called when a peripheral disconnects.
	PeripheralDisconnectedFunc func(p Peripheral, err error)

	// AdvertisingStartedFunc is called after each attempt to start advertising.
	AdvertisingStartedFunc func(err error)
}

// Handler sets one callback on a Device's Handlers.
type Handler func(*Handlers)

// Apply sets every handler in hh.
func (h *Handlers) Apply(hh ...Handler) {
	for _, f := range hh {
		f(h)
	}
}

// CentralConnected sets a function to be called when a device connects to the server.
func CentralConnected(f func(Central)) Handler {
	return func(h *Handlers) { h.CentralConnectedFunc = f }
}

// CentralDisconnected sets a function to be called when a device disconnects from the server.
func CentralDisconnected(f func(Central)) Handler {
	return func(h *Handlers) { h.CentralDisconnectedFunc = f }
}

// PeripheralDiscovered sets a function to be called when a remote peripheral device is found during scan procedure.
func PeripheralDiscovered(f func(Peripheral, *Advertisement, int)) Handler {
	return func(h *Handlers) { h.PeripheralDiscoveredFunc = f }
}

// PeripheralConnected sets a function to be called when a remote peripheral device connects.
func PeripheralConnected(f func(Peripheral, error)) Handler {
	return func(h *Handlers) { h.PeripheralConnectedFunc = f }
}

// PeripheralDisconnected sets a function to be called when a remote peripheral device disconnects.
func PeripheralDisconnected(f func(Peripheral, error)) Handler {
	return func(h *Handlers) { h.PeripheralDisconnectedFunc = f }
}

// AdvertisingStarted sets a function to be called after advertising starts or fails to.
func AdvertisingStarted(f func(error)) Handler {
	return func(h *Handlers) { h.AdvertisingStartedFunc = f }
}

// Option provides a way to configure the device on different platforms.
type Option func(Device) error

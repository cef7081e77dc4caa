package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ble-http-gateway/internal/gatt"
)

// ErrServiceRegistration is logged when the radio refuses the service table.
var ErrServiceRegistration = errors.New("register services")

// AdvertiserState is the advertising side's readiness.
type AdvertiserState int

// Advertiser states.
const (
	AdvertisingOff AdvertiserState = iota
	Advertising
	AdvertisingError
	ServicesRegistered
)

func (s AdvertiserState) String() string {
	switch s {
	case AdvertisingOff:
		return "off"
	case Advertising:
		return "advertising"
	case AdvertisingError:
		return "advertising_error"
	case ServicesRegistered:
		return "services_registered"
	}
	return "unknown"
}

// Publisher is the part of gatt.Device the advertiser drives.
type Publisher interface {
	AdvertiseNameAndServices(name string, ss []gatt.UUID) error
	StopAdvertising() error
	SetServices(ss []*gatt.Service) error
}

// Advertiser keeps the gateway discoverable and its services published.
type Advertiser struct {
	dev      Publisher
	name     string
	services []*gatt.Service
	logger   *slog.Logger

	mu      sync.Mutex
	state   AdvertiserState
	lastErr error
}

// NewAdvertiser creates an Advertiser for the given services.
func NewAdvertiser(dev Publisher, name string, services []*gatt.Service, logger *slog.Logger) *Advertiser {
	return &Advertiser{
		dev:      dev,
		name:     name,
		services: services,
		logger:   logger.With("component", "advertiser"),
	}
}

// PowerChanged starts advertising when the radio powers on and resets
// to Off when it leaves PoweredOn. The outcome of an advertising attempt
// arrives through AdvertisingStarted.
func (a *Advertiser) PowerChanged(s gatt.State) {
	if s != gatt.StatePoweredOn {
		a.mu.Lock()
		wasOff := a.state == AdvertisingOff
		a.state = AdvertisingOff
		a.mu.Unlock()
		if !wasOff {
			_ = a.dev.StopAdvertising()
		}
		return
	}

	uuids := make([]gatt.UUID, 0, len(a.services))
	for _, svc := range a.services {
		uuids = append(uuids, svc.UUID())
	}
	if err := a.dev.AdvertiseNameAndServices(a.name, uuids); err != nil {
		a.logger.Debug("advertise request failed", "error", err)
	}
}

// AdvertisingStarted records the result of an advertising attempt and,
// on success, publishes the services again.
func (a *Advertiser) AdvertisingStarted(err error) {
	a.mu.Lock()
	if err != nil {
		a.state = AdvertisingError
		a.lastErr = err
		a.mu.Unlock()
		a.logger.Warn("advertising failed", "error", err)
		return
	}
	a.state = Advertising
	a.lastErr = nil
	a.mu.Unlock()

	a.logger.Info("advertising", "name", a.name)
	if err := a.dev.SetServices(a.services); err != nil {
		err = fmt.Errorf("%w: %w", ErrServiceRegistration, err)
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		a.logger.Error("service registration failed", "error", err)
		return
	}

	a.mu.Lock()
	if a.state == Advertising {
		a.state = ServicesRegistered
	}
	a.mu.Unlock()
	a.logger.Info("services registered", "count", len(a.services))
}

// State returns the advertising state and the last error, if any.
func (a *Advertiser) State() (AdvertiserState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.lastErr
}

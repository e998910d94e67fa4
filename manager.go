package claw

import (
	"fmt"
	"sync"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.viam.com/rdk/logging"
)

// BusConfig identifies a feetech serial bus.
type BusConfig struct {
	Port     string        `json:"port,omitempty"`
	Baudrate int           `json:"baudrate,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	// Not serialized
	Logger logging.Logger `json:"-"`
}

type sharedBus struct {
	bus      *feetech.Bus
	config   BusConfig
	refCount int
}

var (
	sharedBuses   = map[string]*sharedBus{}
	sharedBusesMu sync.Mutex

	// overridden in tests
	openFeetechBus = func(cfg BusConfig) (*feetech.Bus, error) {
		return feetech.NewBus(feetech.BusConfig{
			Port:     cfg.Port,
			BaudRate: cfg.Baudrate,
			Protocol: feetech.ProtocolSTS,
			Timeout:  cfg.Timeout,
		})
	}
)

// Compare configs for compatibility
func busConfigsEqual(a, b BusConfig) bool {
	return a.Port == b.Port &&
		a.Baudrate == b.Baudrate &&
		a.Timeout == b.Timeout
}

// AcquireSharedBus returns the bus open on cfg.Port, opening it on first use.
// Each successful call must be paired with ReleaseSharedBus.
func AcquireSharedBus(cfg BusConfig) (*feetech.Bus, error) {
	sharedBusesMu.Lock()
	defer sharedBusesMu.Unlock()

	if shared, ok := sharedBuses[cfg.Port]; ok {
		if !busConfigsEqual(shared.config, cfg) {
			return nil, fmt.Errorf("conflict: bus on %s already open with different settings (refCount: %d)",
				cfg.Port, shared.refCount)
		}
		shared.refCount++
		return shared.bus, nil
	}

	bus, err := openFeetechBus(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open feetech bus on %s: %w", cfg.Port, err)
	}

	sharedBuses[cfg.Port] = &sharedBus{bus: bus, config: cfg, refCount: 1}
	return bus, nil
}

// ReleaseSharedBus drops one reference and closes the bus with the last one.
func ReleaseSharedBus(port string) {
	sharedBusesMu.Lock()
	defer sharedBusesMu.Unlock()

	shared, ok := sharedBuses[port]
	if !ok {
		return
	}

	shared.refCount--
	if shared.refCount > 0 {
		return
	}

	delete(sharedBuses, port)
	if shared.bus == nil {
		return
	}
	if err := shared.bus.Close(); err != nil && shared.config.Logger != nil {
		shared.config.Logger.Warnf("error closing shared bus on %s: %v", port, err)
	}
}

// SharedBusStatus reports the reference count for port, and whether a bus is open there.
func SharedBusStatus(port string) (int, bool) {
	sharedBusesMu.Lock()
	defer sharedBusesMu.Unlock()

	shared, ok := sharedBuses[port]
	if !ok {
		return 0, false
	}
	return shared.refCount, true
}

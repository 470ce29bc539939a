package bt

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// Verify TinyGoAdapter implements Adapter
var _ Adapter = (*TinyGoAdapter)(nil)

// TinyGoAdapter drives a host Bluetooth adapter through tinygo.org/x/bluetooth
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger

	mu      sync.RWMutex
	enabled bool

	// keyed by upper-case address
	disconnects *disconnectRouter
}

func NewTinyGoAdapter(adapter *bluetooth.Adapter, logger *log.Logger) *TinyGoAdapter {
	if adapter == nil {
		panic("TinyGoAdapter: adapter cannot be nil")
	}
	if logger == nil {
		panic("TinyGoAdapter: logger cannot be nil")
	}
	return &TinyGoAdapter{
		adapter:            adapter,
		logger:             logger,
		disconnects: newDisconnectRouter(),
	}
}

// Enable powers up the BLE stack. A failure leaves the adapter reporting
// Powered() == false rather than aborting the caller.
func (a *TinyGoAdapter) Enable() error {
	// Set up connection handler to route disconnections to their session
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		key := addressKey(device.Address.String())
		if connected {
			a.logger.Printf("TinyGoAdapter: Device connected: %s", key)
			return
		}
		if !a.disconnects.dispatch(key, ErrLinkLost) {
			a.logger.Printf("TinyGoAdapter: Device disconnected: %s (not routed)", key)
			return
		}
		a.logger.Printf("TinyGoAdapter: Device disconnected: %s", key)
	})

	err := a.adapter.Enable()
	a.mu.Lock()
	a.enabled = err == nil
	a.mu.Unlock()
	if err != nil {
		a.logger.Printf("TinyGoAdapter: Enable failed: %v", err)
		return fmt.Errorf("enable BLE stack: %w", err)
	}
	a.logger.Printf("TinyGoAdapter: BLE stack enabled")
	return nil
}

func (a *TinyGoAdapter) Powered() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// Connect connects to a device by address using default connection parameters
func (a *TinyGoAdapter) Connect(ctx context.Context, address string, onDisconnect func(error)) (Connection, error) {
	var addr bluetooth.Address
	if err := addr.UnmarshalText([]byte(address)); err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", address, err)
	}

	key := addressKey(address)
	var routeID uint64
	if onDisconnect != nil {
		routeID = a.disconnects.register(key, onDisconnect)
	}

	a.logger.Printf("TinyGoAdapter: Attempting to connect to device: %s", key)
	device, err := await(ctx, a.logger, func() (bluetooth.Device, error) {
		return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	}, func(late bluetooth.Device) {
		a.logger.Printf("TinyGoAdapter: Connection to %s completed after cancellation, disconnecting", key)
		if err := a.disconnects.disconnectLocally(key, late.Disconnect); err != nil {
			a.logger.Printf("TinyGoAdapter: Error disconnecting late connection: %v", err)
		}
	})
	if err != nil {
		a.disconnects.unregister(key, routeID)
		a.logger.Printf("TinyGoAdapter: Connection error: %v", err)
		return nil, err
	}

	a.logger.Printf("TinyGoAdapter: Connected to device: %s", key)
	return newTinyGoConnection(a, device, address, key, routeID), nil
}

func addressKey(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

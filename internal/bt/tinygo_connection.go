package bt

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type tinyGoConnection struct {
	adapter *TinyGoAdapter
	device  bluetooth.Device
	address string
	key     string
	routeID uint64
	logger  *log.Logger

	bleMu                  sync.Mutex // Serializes BLE GATT operations (discovery, CCCD writes)
	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool

	closeOnce sync.Once
	closeErr  error
}

func newTinyGoConnection(adapter *TinyGoAdapter, device bluetooth.Device, address, key string, routeID uint64) *tinyGoConnection {
	return &tinyGoConnection{
		adapter:                adapter,
		device:                 device,
		address:                address,
		key:                    key,
		routeID:                routeID,
		logger:                 adapter.logger,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (c *tinyGoConnection) Address() string {
	return c.address
}

func (c *tinyGoConnection) FindCharacteristic(ctx context.Context, serviceUuidStr, characteristicUuidStr string) (Characteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}

	return await(ctx, c.logger, func() (Characteristic, error) {
		c.bleMu.Lock()
		defer c.bleMu.Unlock()

		c.logger.Printf("Connection: Discovering characteristic %s...", characteristicUuidStr)
		characteristic, err := c.getDeviceCharacteristic(serviceUuid, characteristicUuid)
		if err != nil {
			c.logger.Printf("Connection: Failed to get characteristic: %v", err)
			return nil, err
		}
		return &tinyGoCharacteristic{conn: c, characteristic: characteristic}, nil
	}, nil)
}

// Close disconnects from the peer. Only this connection's disconnect route
// is removed, and the resulting disconnect event is swallowed so it cannot
// reach a newer connection to the same address.
func (c *tinyGoConnection) Close() error {
	c.closeOnce.Do(func() {
		c.adapter.disconnects.unregister(c.key, c.routeID)
		c.logger.Printf("Connection: Disconnecting from %s", c.key)
		if err := c.adapter.disconnects.disconnectLocally(c.key, c.device.Disconnect); err != nil {
			c.logger.Printf("Connection: Disconnect error: %v", err)
			c.closeErr = fmt.Errorf("disconnect %s: %w", c.key, err)
		}
	})
	return c.closeErr
}

func (c *tinyGoConnection) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	serviceUuidStr := serviceUuid.String()

	// Check cache first
	if service, ok := c.serviceByUuid.Load(serviceUuidStr); ok {
		return service, nil
	}

	// Discovering singular services repeatedly interrupts an earlier used
	// service, so all of them are discovered once
	if !c.allServicesDiscovered {
		c.logger.Printf("Connection: Discovering all services for device")
		deviceServices, err := c.device.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}

		for i := range deviceServices {
			svc := &deviceServices[i]
			svcUuidStr := svc.UUID().String()
			c.serviceByUuid.Store(svcUuidStr, svc)
			c.logger.Printf("Connection: Cached service %s", svcUuidStr)
		}
		c.allServicesDiscovered = true
	}

	service, ok := c.serviceByUuid.Load(serviceUuidStr)
	if !ok {
		return nil, fmt.Errorf("service %v: %w", serviceUuidStr, ErrServiceNotFound)
	}
	return service, nil
}

func (c *tinyGoConnection) getDeviceCharacteristic(serviceUuid bluetooth.UUID, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuidStr := serviceUuid.String()
	charUuidStr := charUuid.String()
	comboUuidStr := fmt.Sprintf("%s_%s", serviceUuidStr, charUuidStr)

	if characteristic, ok := c.characteristicByUuid.Load(comboUuidStr); ok {
		return characteristic, nil
	}

	if discovered, _ := c.serviceCharsDiscovered.Load(serviceUuidStr); !discovered {
		service, err := c.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}

		c.logger.Printf("Connection: Discovering all characteristics for service %s", serviceUuidStr)
		discovered, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}

		for i := range discovered {
			char := &discovered[i]
			charKey := fmt.Sprintf("%s_%s", serviceUuidStr, char.UUID().String())
			c.characteristicByUuid.Store(charKey, char)
			c.logger.Printf("Connection: Cached characteristic %s", char.UUID().String())
		}
		c.serviceCharsDiscovered.Store(serviceUuidStr, true)
	}

	characteristic, ok := c.characteristicByUuid.Load(comboUuidStr)
	if !ok {
		return nil, fmt.Errorf("characteristic %v in service %v: %w", charUuidStr, serviceUuidStr, ErrCharacteristicNotFound)
	}
	return characteristic, nil
}

type tinyGoCharacteristic struct {
	conn           *tinyGoConnection
	characteristic *bluetooth.DeviceCharacteristic
}

func (t *tinyGoCharacteristic) UUID() string {
	return t.characteristic.UUID().String()
}

func (t *tinyGoCharacteristic) EnableNotifications(ctx context.Context, handler func(buf []byte)) error {
	_, err := await(ctx, t.conn.logger, func() (struct{}, error) {
		t.conn.bleMu.Lock()
		defer t.conn.bleMu.Unlock()

		t.conn.logger.Printf("Connection: Enabling notifications for %s", t.UUID())
		if err := t.characteristic.EnableNotifications(handler); err != nil {
			t.conn.logger.Printf("Connection: EnableNotifications failed: %v", err)
			return struct{}{}, fmt.Errorf("failed to enable notifications: %w", err)
		}
		t.conn.logger.Printf("Connection: Notifications enabled successfully for %s", t.UUID())
		return struct{}{}, nil
	}, nil)
	return err
}

func (t *tinyGoCharacteristic) DisableNotifications() error {
	t.conn.bleMu.Lock()
	defer t.conn.bleMu.Unlock()

	// Pass nil callback to disable notifications
	if err := t.characteristic.EnableNotifications(nil); err != nil {
		t.conn.logger.Printf("Connection: DisableNotifications failed: %v", err)
		return fmt.Errorf("failed to disable notifications: %w", err)
	}
	t.conn.logger.Printf("Connection: Notifications disabled successfully for %s", t.UUID())
	return nil
}

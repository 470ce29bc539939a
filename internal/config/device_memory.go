package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type deviceMemoryData struct {
	LastDevice string    `json:"last_device"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DeviceMemory remembers the last device that reached streaming, so the
// monitor can be restarted without --device
type DeviceMemory struct {
	filePath string
	logger   *log.Logger

	mu   sync.Mutex
	data deviceMemoryData
}

func NewDeviceMemory(logger *log.Logger, filePath string) *DeviceMemory {
	if logger == nil {
		panic("DeviceMemory: logger cannot be nil")
	}
	m := &DeviceMemory{
		filePath: filePath,
		logger:   logger,
	}
	m.load()
	return m
}

func (m *DeviceMemory) LastDevice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LastDevice
}

// Remember stores address. Writing the same address again is a no-op.
func (m *DeviceMemory) Remember(address string) error {
	address = strings.TrimSpace(address)
	m.mu.Lock()
	defer m.mu.Unlock()
	if address == "" || strings.EqualFold(address, m.data.LastDevice) {
		return nil
	}
	m.logger.Printf("DeviceMemory: remember %q", address)
	m.data = deviceMemoryData{LastDevice: address, UpdatedAt: time.Now()}
	return m.save()
}

func (m *DeviceMemory) load() {
	raw, err := os.ReadFile(m.filePath)
	if err != nil {
		m.logger.Printf("DeviceMemory: load %s (no existing file)", m.filePath)
		return
	}
	if err := json.Unmarshal(raw, &m.data); err != nil {
		m.logger.Printf("DeviceMemory: load %s failed to parse: %v", m.filePath, err)
		m.data = deviceMemoryData{}
		return
	}
	m.logger.Printf("DeviceMemory: load %s -> %q", m.filePath, m.data.LastDevice)
}

func (m *DeviceMemory) save() error {
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		m.logger.Printf("DeviceMemory: save mkdir failed: %v", err)
		return err
	}
	raw, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		m.logger.Printf("DeviceMemory: save marshal failed: %v", err)
		return err
	}
	if err := os.WriteFile(m.filePath, raw, 0644); err != nil {
		m.logger.Printf("DeviceMemory: save %s failed: %v", m.filePath, err)
		return err
	}
	m.logger.Printf("DeviceMemory: save %s -> %q", m.filePath, m.data.LastDevice)
	return nil
}

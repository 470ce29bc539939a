package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/bt"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/go_func_utils"
)

// Verify Peripheral implements bt.Adapter
var _ bt.Adapter = (*Peripheral)(nil)

var ErrInjected = errors.New("injected failure")

// Stage names the handshake step a failure is injected into
type Stage int

const (
	StageConnect Stage = iota
	StageService
	StageCharacteristic
	StageSubscribe
)

func (s Stage) String() string {
	switch s {
	case StageConnect:
		return "connect"
	case StageService:
		return "service"
	case StageCharacteristic:
		return "characteristic"
	case StageSubscribe:
		return "subscribe"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

type Config struct {
	Address    string
	ServerPort int           // 0 disables the HTTP control API
	Period     time.Duration // 0 disables periodic frames
}

// Peripheral is an in-process FTMS indoor bike plus the host radio that
// reaches it. It lets the monitor run without Bluetooth hardware.
type Peripheral struct {
	logger  *log.Logger
	address string
	period  time.Duration

	mu           sync.RWMutex
	powered      bool
	reading      ftms.Reading
	failures     map[Stage]int
	connectDelay time.Duration
	conn         *simConnection
	connects     int
	closes       int

	server     *http.Server
	serverPort int
	doneChan   chan struct{}
	wg         sync.WaitGroup
}

func NewPeripheral(logger *log.Logger, config Config) *Peripheral {
	if logger == nil {
		panic("Peripheral: logger cannot be nil")
	}
	return &Peripheral{
		logger:     logger,
		address:    config.Address,
		period:     config.Period,
		powered:    true,
		reading:    ftms.Reading{HasCadence: true, Cadence: 80, HasPower: true, Power: 100},
		failures:   make(map[Stage]int),
		serverPort: config.ServerPort,
		doneChan:   make(chan struct{}),
	}
}

// Start launches the frame ticker and the control API, when configured
func (p *Peripheral) Start() error {
	p.logger.Printf("Peripheral: Starting simulated bike %s", p.address)

	if p.serverPort > 0 {
		p.server = &http.Server{
			Addr:    fmt.Sprintf(":%d", p.serverPort),
			Handler: p.Handler(),
		}
		go_func_utils.SafeGoWG(p.logger, &p.wg, func() {
			p.logger.Printf("Peripheral: Web server starting on http://localhost:%d", p.serverPort)
			if err := p.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				p.logger.Printf("Peripheral: Web server error: %v", err)
			}
		})
	}

	if p.period > 0 {
		go_func_utils.SafeGoWG(p.logger, &p.wg, func() {
			ticker := time.NewTicker(p.period)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					p.EmitReading()
				case <-p.doneChan:
					return
				}
			}
		})
	}
	return nil
}

// Shutdown stops the ticker and the web server
func (p *Peripheral) Shutdown() {
	p.logger.Printf("Peripheral: Shutting down")
	close(p.doneChan)

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			p.logger.Printf("Peripheral: Error shutting down web server: %v", err)
		}
	}

	p.wg.Wait()
	p.logger.Printf("Peripheral: Shutdown complete")
}

func (p *Peripheral) Address() string {
	return p.address
}

// --- bt.Adapter implementation ---

func (p *Peripheral) Powered() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.powered
}

func (p *Peripheral) Connect(ctx context.Context, address string, onDisconnect func(error)) (bt.Connection, error) {
	p.mu.RLock()
	powered := p.powered
	delay := p.connectDelay
	p.mu.RUnlock()

	if !powered {
		return nil, errors.New("adapter is powered off")
	}
	if !strings.EqualFold(strings.TrimSpace(address), p.address) {
		return nil, fmt.Errorf("peer %s not reachable", address)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumeFailureLocked(StageConnect) {
		p.logger.Printf("Peripheral: Refusing connection from %s", address)
		return nil, fmt.Errorf("connect %s: %w", address, ErrInjected)
	}
	if p.conn != nil {
		return nil, fmt.Errorf("peer %s already connected", address)
	}
	conn := &simConnection{peripheral: p, address: address, onDisconnect: onDisconnect}
	p.conn = conn
	p.connects++
	p.logger.Printf("Peripheral: Connected (#%d)", p.connects)
	return conn, nil
}

// --- Test and control surface ---

func (p *Peripheral) SetPowered(powered bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.powered = powered
	p.logger.Printf("Peripheral: Powered=%v", powered)
}

// FailNext makes the next n attempts at stage fail. A negative n fails every attempt.
func (p *Peripheral) FailNext(stage Stage, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == 0 {
		delete(p.failures, stage)
		return
	}
	p.failures[stage] = n
}

// SetConnectDelay delays every Connect by d
func (p *Peripheral) SetConnectDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectDelay = d
}

func (p *Peripheral) SetReading(r ftms.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reading = r
}

func (p *Peripheral) Reading() ftms.Reading {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reading
}

// Connects returns how many connections were accepted
func (p *Peripheral) Connects() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connects
}

// Closes returns how many accepted connections were closed by the central
func (p *Peripheral) Closes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closes
}

func (p *Peripheral) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn != nil
}

// Subscribed reports whether a central has notifications enabled
func (p *Peripheral) Subscribed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn != nil && p.conn.handler != nil
}

// Emit sends frame as an Indoor Bike Data notification.
// Returns false when nobody is subscribed.
func (p *Peripheral) Emit(frame []byte) bool {
	p.mu.RLock()
	var handler func([]byte)
	if p.conn != nil {
		handler = p.conn.handler
	}
	p.mu.RUnlock()

	if handler == nil {
		return false
	}
	handler(append([]byte(nil), frame...))
	return true
}

// EmitReading encodes the current reading and sends it
func (p *Peripheral) EmitReading() bool {
	r := p.Reading()
	sent := p.Emit(ftms.EncodeReading(r))
	if sent {
		p.logger.Printf("Peripheral: Sent indoor bike data: cadence=%.2f power=%.1f", r.Cadence, r.Power)
	}
	return sent
}

// DropConnection simulates the bike going away. Returns false if nothing
// was connected.
func (p *Peripheral) DropConnection() bool {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	if conn != nil {
		conn.handler = nil
	}
	p.mu.Unlock()

	if conn == nil {
		return false
	}
	p.logger.Printf("Peripheral: Dropping connection")
	if conn.onDisconnect != nil {
		conn.onDisconnect(bt.ErrLinkLost)
	}
	return true
}

func (p *Peripheral) consumeFailureLocked(stage Stage) bool {
	n, ok := p.failures[stage]
	if !ok {
		return false
	}
	if n > 0 {
		n--
		if n == 0 {
			delete(p.failures, stage)
		} else {
			p.failures[stage] = n
		}
	}
	return true
}

type simConnection struct {
	peripheral   *Peripheral
	address      string
	onDisconnect func(error)

	// guarded by peripheral.mu
	handler func([]byte)

	closeOnce sync.Once
}

func (c *simConnection) Address() string {
	return c.address
}

func (c *simConnection) FindCharacteristic(ctx context.Context, serviceUUID, characteristicUUID string) (bt.Characteristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := c.peripheral
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != c {
		return nil, bt.ErrConnectionClosed
	}
	if p.consumeFailureLocked(StageService) || !strings.EqualFold(serviceUUID, ftms.ServiceUUIDFTMS) {
		return nil, fmt.Errorf("service %s: %w", serviceUUID, bt.ErrServiceNotFound)
	}
	if p.consumeFailureLocked(StageCharacteristic) || !ftms.IsIndoorBikeData(characteristicUUID) {
		return nil, fmt.Errorf("characteristic %s in service %s: %w", characteristicUUID, serviceUUID, bt.ErrCharacteristicNotFound)
	}
	return &simCharacteristic{conn: c, uuid: ftms.CharUUIDIndoorBikeData}, nil
}

func (c *simConnection) Close() error {
	c.closeOnce.Do(func() {
		p := c.peripheral
		p.mu.Lock()
		defer p.mu.Unlock()
		c.handler = nil
		if p.conn == c {
			p.conn = nil
		}
		p.closes++
		p.logger.Printf("Peripheral: Connection closed by central")
	})
	return nil
}

type simCharacteristic struct {
	conn *simConnection
	uuid string
}

func (s *simCharacteristic) UUID() string {
	return s.uuid
}

func (s *simCharacteristic) EnableNotifications(ctx context.Context, handler func([]byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := s.conn.peripheral
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != s.conn {
		return bt.ErrConnectionClosed
	}
	if p.consumeFailureLocked(StageSubscribe) {
		return fmt.Errorf("write CCCD: %w", ErrInjected)
	}
	s.conn.handler = handler
	p.logger.Printf("Peripheral: Indoor bike data notifications enabled")
	return nil
}

func (s *simCharacteristic) DisableNotifications() error {
	p := s.conn.peripheral
	p.mu.Lock()
	defer p.mu.Unlock()
	s.conn.handler = nil
	return nil
}

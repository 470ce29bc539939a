package link

import (
	"bytes"
	"context"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/bt"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/sim"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "FE:E8:C4:2B:4D:9A"

func newTestLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

func newTestSession(adapter bt.Adapter) *Session {
	return NewSession(Config{
		Address:          testAddress,
		Adapter:          adapter,
		HandshakeTimeout: time.Second,
		Logger:           newTestLogger(),
	})
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case e, ok := <-s.Events():
		require.True(t, ok, "event stream closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// waitForStatus reads events until one carries status
func waitForStatus(t *testing.T, s *Session, status string) []Event {
	t.Helper()
	var seen []Event
	for {
		e := nextEvent(t, s)
		seen = append(seen, e)
		if e.Kind == StatusChanged && e.Status == status {
			return seen
		}
		require.NotEqual(t, Terminated, e.Kind, "terminated before %q: %v", status, e.Reason)
	}
}

// drain reads the remaining events until the stream closes
func drain(t *testing.T, s *Session) []Event {
	t.Helper()
	var seen []Event
	for {
		select {
		case e, ok := <-s.Events():
			if !ok {
				return seen
			}
			seen = append(seen, e)
		case <-time.After(2 * time.Second):
			t.Fatal("event stream did not close")
			return seen
		}
	}
}

func countTerminated(events []Event) int {
	n := 0
	for _, e := range events {
		if e.Kind == Terminated {
			n++
		}
	}
	return n
}

func statuses(events []Event) []string {
	var out []string
	for _, e := range events {
		if e.Kind == StatusChanged {
			out = append(out, e.Status)
		}
	}
	return out
}

func TestSession_HandshakeStreamAndStop(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	s := newTestSession(p)
	require.NoError(t, s.Start())

	seen := waitForStatus(t, s, StatusStreaming)
	assert.Equal(t, []string{StatusConnecting, StatusDiscovering, StatusSubscribing, StatusStreaming}, statuses(seen))
	assert.Equal(t, Streaming, s.State())

	require.True(t, p.Emit([]byte{0x44, 0x00, 0xE8, 0x03, 0x64, 0x00}))
	e := nextEvent(t, s)
	require.Equal(t, ReadingReceived, e.Kind)
	assert.True(t, e.Reading.HasCadence)
	assert.InDelta(t, 10.0, e.Reading.Cadence, 1e-9)
	assert.True(t, e.Reading.HasPower)
	assert.InDelta(t, 50.0, e.Reading.Power, 1e-9)

	s.Stop()
	rest := drain(t, s)
	require.NotEmpty(t, rest)
	last := rest[len(rest)-1]
	assert.Equal(t, Terminated, last.Kind)
	assert.Equal(t, Disconnected, last.State)
	assert.ErrorIs(t, last.Reason, ErrStopRequested)
	assert.Equal(t, 1, countTerminated(rest))

	assert.Equal(t, 1, p.Closes())
	assert.False(t, p.Connected())
	assert.Equal(t, Disconnected, s.State())
}

func TestSession_HandshakeFailures(t *testing.T) {
	tests := []struct {
		name       string
		stage      sim.Stage
		status     string
		reason     error
		wantCloses int
	}{
		{"connect", sim.StageConnect, StatusConnectFailed, ErrConnectFailed, 0},
		{"service", sim.StageService, StatusServiceMissing, ErrServiceOrCharacteristicMissing, 1},
		{"characteristic", sim.StageCharacteristic, StatusCharacteristicMissing, ErrServiceOrCharacteristicMissing, 1},
		{"subscribe", sim.StageSubscribe, StatusSubscriptionFailed, ErrSubscriptionFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
			p.FailNext(tt.stage, 1)
			s := newTestSession(p)
			require.NoError(t, s.Start())

			all := drain(t, s)
			require.NotEmpty(t, all)
			assert.Equal(t, 1, countTerminated(all))
			last := all[len(all)-1]
			assert.Equal(t, Terminated, last.Kind)
			assert.Equal(t, Failed, last.State)
			assert.ErrorIs(t, last.Reason, tt.reason)
			assert.Contains(t, statuses(all), tt.status)
			assert.NotContains(t, statuses(all), StatusStreaming)

			assert.Equal(t, tt.wantCloses, p.Closes())
			assert.False(t, p.Connected())

			// Stop after termination is a no-op
			s.Stop()
		})
	}
}

func TestSession_MissingServiceWrapsRadioError(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	p.FailNext(sim.StageService, 1)
	s := newTestSession(p)
	require.NoError(t, s.Start())

	all := drain(t, s)
	assert.ErrorIs(t, all[len(all)-1].Reason, bt.ErrServiceNotFound)
}

func TestSession_PeerDisconnectWhileStreaming(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	s := newTestSession(p)
	require.NoError(t, s.Start())
	waitForStatus(t, s, StatusStreaming)

	require.True(t, p.DropConnection())
	all := drain(t, s)
	last := all[len(all)-1]
	assert.Equal(t, Terminated, last.Kind)
	assert.Equal(t, Disconnected, last.State)
	assert.ErrorIs(t, last.Reason, ErrPeerDisconnected)
	assert.Contains(t, statuses(all), StatusDisconnected)
	assert.Equal(t, 1, countTerminated(all))
}

func TestSession_MalformedFrameKeepsStreaming(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	s := newTestSession(p)
	require.NoError(t, s.Start())
	waitForStatus(t, s, StatusStreaming)

	require.True(t, p.Emit([]byte{0x04}))
	e := nextEvent(t, s)
	assert.Equal(t, StatusChanged, e.Kind)
	assert.Contains(t, e.Status, "Malformed frame")
	assert.Equal(t, Streaming, s.State())

	require.True(t, p.Emit([]byte{0x40, 0x00, 0x2C, 0x01}))
	e = nextEvent(t, s)
	require.Equal(t, ReadingReceived, e.Kind)
	assert.False(t, e.Reading.HasCadence)
	assert.InDelta(t, 150.0, e.Reading.Power, 1e-9)

	s.Stop()
	drain(t, s)
}

func TestSession_FullDecoder(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	s := NewSession(Config{
		Address: testAddress,
		Adapter: p,
		Decoder: ftms.FullDecoder{},
		Logger:  newTestLogger(),
	})
	require.NoError(t, s.Start())
	waitForStatus(t, s, StatusStreaming)

	require.True(t, p.Emit([]byte{0x45, 0x00, 0xB4, 0x00, 0xC8, 0x00}))
	e := nextEvent(t, s)
	require.Equal(t, ReadingReceived, e.Kind)
	assert.InDelta(t, 90.0, e.Reading.Cadence, 1e-9)
	assert.InDelta(t, 200.0, e.Reading.Power, 1e-9)

	s.Stop()
	drain(t, s)
}

func TestSession_StopBeforeStart(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	s := newTestSession(p)

	s.Stop()
	s.Stop()

	all := drain(t, s)
	require.Len(t, all, 1)
	assert.Equal(t, Terminated, all[0].Kind)
	assert.ErrorIs(t, all[0].Reason, ErrStopRequested)
	assert.ErrorIs(t, s.Start(), ErrSessionStopped)
	assert.Zero(t, p.Connects())
}

func TestSession_StartTwice(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	s := newTestSession(p)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
	s.Stop()
	drain(t, s)
}

func TestSession_EmptyAddress(t *testing.T) {
	s := NewSession(Config{Adapter: sim.NewPeripheral(newTestLogger(), sim.Config{}), Logger: newTestLogger()})
	assert.Error(t, s.Start())
}

func TestSession_ConcurrentStop(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	s := newTestSession(p)
	require.NoError(t, s.Start())
	waitForStatus(t, s, StatusStreaming)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()

	all := drain(t, s)
	assert.Equal(t, 1, countTerminated(all))
	assert.Equal(t, 1, p.Closes())
}

func TestSession_HandshakeTimeout(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	p.SetConnectDelay(time.Second)
	s := NewSession(Config{
		Address:          testAddress,
		Adapter:          p,
		HandshakeTimeout: 20 * time.Millisecond,
		Logger:           newTestLogger(),
	})
	require.NoError(t, s.Start())

	all := drain(t, s)
	last := all[len(all)-1]
	assert.Equal(t, Failed, last.State)
	assert.ErrorIs(t, last.Reason, ErrConnectFailed)
	assert.ErrorIs(t, last.Reason, context.DeadlineExceeded)
}

// lateAdapter completes Connect only when released, ignoring ctx
type lateAdapter struct {
	entered chan struct{}
	release chan struct{}
	conn    *countingConn
}

func newLateAdapter() *lateAdapter {
	return &lateAdapter{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		conn:    &countingConn{},
	}
}

func (a *lateAdapter) Powered() bool { return true }

func (a *lateAdapter) Connect(ctx context.Context, address string, onDisconnect func(error)) (bt.Connection, error) {
	close(a.entered)
	<-a.release
	return a.conn, nil
}

// countingConn never resolves a characteristic before ctx ends
type countingConn struct {
	closes atomic.Int32
}

func (c *countingConn) Address() string { return testAddress }

func (c *countingConn) FindCharacteristic(ctx context.Context, serviceUUID, characteristicUUID string) (bt.Characteristic, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return nil
}

func TestSession_StopMidConnectClosesLateConnection(t *testing.T) {
	a := newLateAdapter()
	s := NewSession(Config{Address: testAddress, Adapter: a, Logger: newTestLogger()})
	require.NoError(t, s.Start())
	<-a.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the outstanding connect answered")
	case <-time.After(50 * time.Millisecond):
	}

	close(a.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, int32(1), a.conn.closes.Load())
	all := drain(t, s)
	last := all[len(all)-1]
	assert.Equal(t, Terminated, last.Kind)
	assert.ErrorIs(t, last.Reason, ErrStopRequested)
	assert.Equal(t, 1, countTerminated(all))
}

func TestSession_StopDuringDiscoveryReleasesConnection(t *testing.T) {
	a := newLateAdapter()
	close(a.release)
	s := NewSession(Config{Address: testAddress, Adapter: a, Logger: newTestLogger()})
	require.NoError(t, s.Start())
	waitForStatus(t, s, StatusDiscovering)

	s.Stop()
	assert.Equal(t, int32(1), a.conn.closes.Load())

	all := drain(t, s)
	assert.Equal(t, 1, countTerminated(all))
	assert.Equal(t, Disconnected, s.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ServicesDiscovering", ServicesDiscovering.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.True(t, Failed.Terminal())
	assert.True(t, Disconnected.Terminal())
	assert.False(t, Streaming.Terminal())
}

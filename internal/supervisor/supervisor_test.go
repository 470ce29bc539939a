package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/bt"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/link"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/sim"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "FE:E8:C4:2B:4D:9A"

func newTestLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []string
	readings []ftms.Reading
	readingC chan ftms.Reading
}

func newRecordingSink() *recordingSink {
	return &recordingSink{readingC: make(chan ftms.Reading, 16)}
}

func (r *recordingSink) OnStatus(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, text)
}

func (r *recordingSink) OnReading(reading ftms.Reading) {
	r.mu.Lock()
	r.readings = append(r.readings, reading)
	r.mu.Unlock()
	select {
	case r.readingC <- reading:
	default:
	}
}

func (r *recordingSink) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

type runResult struct {
	err error
}

func runAsync(ctx context.Context, s *Supervisor, sink *recordingSink) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		out <- runResult{err: s.Run(ctx, testAddress, sink)}
	}()
	return out
}

func waitResult(t *testing.T, c <-chan runResult) error {
	t.Helper()
	select {
	case r := <-c:
		return r.err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitSignal(t *testing.T, c <-chan string) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for streaming")
	}
}

func newTestSupervisor(adapter bt.Adapter, streaming chan string) *Supervisor {
	return NewSupervisor(Config{
		Adapter:          adapter,
		HandshakeTimeout: time.Second,
		OnStreaming: func(address string) {
			if streaming != nil {
				streaming <- address
			}
		},
		Logger: newTestLogger(),
	})
}

func TestRun_AdapterDisabled(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	p.SetPowered(false)
	s := newTestSupervisor(p, nil)
	sink := newRecordingSink()

	err := s.Run(context.Background(), testAddress, sink)
	assert.ErrorIs(t, err, ErrAdapterDisabled)
	assert.Equal(t, []string{StatusAdapterDisabled}, sink.Statuses())
	assert.Zero(t, s.Sessions())
	assert.Zero(t, p.Connects())
}

func TestRun_RestartsAfterEachFailure(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	p.FailNext(sim.StageConnect, 3)
	streaming := make(chan string, 4)
	s := newTestSupervisor(p, streaming)
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, s, sink)

	waitSignal(t, streaming)
	cancel()
	assert.ErrorIs(t, waitResult(t, result), context.Canceled)

	// 3 failures then the streaming session
	assert.Equal(t, 4, s.Sessions())
	assert.Equal(t, 1, p.Connects())
	assert.Equal(t, 1, p.Closes())
	assert.False(t, p.Connected())

	statuses := sink.Statuses()
	count := 0
	for _, st := range statuses {
		if st == link.StatusConnectFailed {
			count++
		}
	}
	assert.Equal(t, 3, count)
}

func TestRun_RestartsAfterPeerDisconnect(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	streaming := make(chan string, 4)
	s := newTestSupervisor(p, streaming)
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := runAsync(ctx, s, sink)

	waitSignal(t, streaming)
	require.True(t, p.DropConnection())
	waitSignal(t, streaming)

	assert.Equal(t, 2, s.Sessions())
	assert.Contains(t, sink.Statuses(), link.StatusDisconnected)

	cancel()
	assert.ErrorIs(t, waitResult(t, result), context.Canceled)
}

// exclusiveAdapter fails the test if two connections are ever open at once
type exclusiveAdapter struct {
	bt.Adapter
	mu      sync.Mutex
	open    int
	maxOpen int
}

func (a *exclusiveAdapter) Connect(ctx context.Context, address string, onDisconnect func(error)) (bt.Connection, error) {
	conn, err := a.Adapter.Connect(ctx, address, onDisconnect)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.open++
	if a.open > a.maxOpen {
		a.maxOpen = a.open
	}
	a.mu.Unlock()
	return &exclusiveConn{Connection: conn, adapter: a}, nil
}

type exclusiveConn struct {
	bt.Connection
	adapter *exclusiveAdapter
	once    sync.Once
}

func (c *exclusiveConn) Close() error {
	c.once.Do(func() {
		c.adapter.mu.Lock()
		c.adapter.open--
		c.adapter.mu.Unlock()
	})
	return c.Connection.Close()
}

func TestRun_NeverTwoSessionsAtOnce(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	p.FailNext(sim.StageService, 5)
	a := &exclusiveAdapter{Adapter: p}
	streaming := make(chan string, 1)
	s := newTestSupervisor(a, streaming)

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, s, newRecordingSink())
	waitSignal(t, streaming)
	cancel()
	waitResult(t, result)

	assert.Equal(t, 6, s.Sessions())
	assert.Equal(t, 1, a.maxOpen)
	assert.Zero(t, a.open)
}

func TestRun_RetriesExhausted(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	p.FailNext(sim.StageConnect, -1)
	s := NewSupervisor(Config{
		Adapter: p,
		Policy:  Immediate{MaxAttempts: 2},
		Logger:  newTestLogger(),
	})
	sink := newRecordingSink()

	err := s.Run(context.Background(), testAddress, sink)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, link.ErrConnectFailed)
	assert.Equal(t, 2, s.Sessions())
	statuses := sink.Statuses()
	assert.Equal(t, StatusRetriesExhausted, statuses[len(statuses)-1])
}

type recordingPolicy struct {
	mu       sync.Mutex
	failures []int
}

func (r *recordingPolicy) NextDelay(failures int) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, failures)
	return 0, true
}

func TestRun_FailureCountResetsAfterStreaming(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	p.FailNext(sim.StageConnect, 2)
	policy := &recordingPolicy{}
	streaming := make(chan string, 4)
	s := NewSupervisor(Config{
		Adapter:     p,
		Policy:      policy,
		OnStreaming: func(address string) { streaming <- address },
		Logger:      newTestLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, s, newRecordingSink())
	waitSignal(t, streaming)
	require.True(t, p.DropConnection())
	waitSignal(t, streaming)
	cancel()
	waitResult(t, result)

	policy.mu.Lock()
	defer policy.mu.Unlock()
	assert.Equal(t, []int{1, 2, 1}, policy.failures)
}

func TestRun_BackoffWaitHonorsContext(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	p.FailNext(sim.StageConnect, -1)
	s := NewSupervisor(Config{
		Adapter: p,
		Policy:  Backoff{Initial: time.Hour, Max: time.Hour},
		Logger:  newTestLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Run(ctx, testAddress, newRecordingSink())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.Sessions())
}

func TestRun_EndToEndReading(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	streaming := make(chan string, 1)
	s := newTestSupervisor(p, streaming)
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, s, sink)

	assert.Equal(t, testAddress, <-streaming)
	require.True(t, p.Emit([]byte{0x44, 0x00, 0xE8, 0x03, 0x64, 0x00}))

	select {
	case r := <-sink.readingC:
		assert.True(t, r.HasCadence)
		assert.InDelta(t, 10.00, r.Cadence, 1e-9)
		assert.True(t, r.HasPower)
		assert.InDelta(t, 50.0, r.Power, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no reading delivered")
	}

	cancel()
	assert.ErrorIs(t, waitResult(t, result), context.Canceled)
	assert.Equal(t, []string{
		link.StatusConnecting,
		link.StatusDiscovering,
		link.StatusSubscribing,
		link.StatusStreaming,
	}, sink.Statuses())
}

// fakeSession checks that Start is never called on a session before the
// previous one has terminated
type fakeSession struct {
	events chan link.Event
	live   *int
	mu     *sync.Mutex
	t      *testing.T
}

func (f *fakeSession) Start() error {
	f.mu.Lock()
	*f.live++
	assert.Equal(f.t, 1, *f.live)
	f.mu.Unlock()

	go func() {
		f.events <- link.Event{Kind: link.StatusChanged, State: link.Connecting, Status: link.StatusConnecting}
		f.mu.Lock()
		*f.live--
		f.mu.Unlock()
		f.events <- link.Event{Kind: link.Terminated, State: link.Failed, Reason: link.ErrConnectFailed}
		close(f.events)
	}()
	return nil
}

func (f *fakeSession) Stop() {}

func (f *fakeSession) Events() <-chan link.Event { return f.events }

func TestRun_UsesSessionFactory(t *testing.T) {
	var mu sync.Mutex
	live := 0
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	s := NewSupervisor(Config{
		Adapter: p,
		Policy:  Immediate{MaxAttempts: 5},
		NewSession: func(c link.Config) Session {
			assert.Equal(t, testAddress, c.Address)
			return &fakeSession{events: make(chan link.Event), live: &live, mu: &mu, t: t}
		},
		Logger: newTestLogger(),
	})

	err := s.Run(context.Background(), testAddress, newRecordingSink())
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 5, s.Sessions())
	assert.Zero(t, p.Connects())
}

func TestRun_StartFailureReleasesSession(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	s := NewSupervisor(Config{Adapter: p, Logger: newTestLogger()})

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		err := s.Run(context.Background(), "", newRecordingSink())
		require.Error(t, err)
	}
	assert.Equal(t, 20, s.Sessions())
	assert.Zero(t, p.Connects())

	// each failed session's mailbox goroutines have exited
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

type unstartableSession struct {
	events  chan link.Event
	stopped bool
}

func (u *unstartableSession) Start() error { return errors.New("no radio") }

func (u *unstartableSession) Stop() {
	if u.stopped {
		return
	}
	u.stopped = true
	go func() {
		u.events <- link.Event{Kind: link.Terminated, State: link.Disconnected, Reason: link.ErrStopRequested}
		close(u.events)
	}()
}

func (u *unstartableSession) Events() <-chan link.Event { return u.events }

func TestRun_StartFailureStopsAndDrainsSession(t *testing.T) {
	p := sim.NewPeripheral(newTestLogger(), sim.Config{Address: testAddress})
	session := &unstartableSession{events: make(chan link.Event)}
	s := NewSupervisor(Config{
		Adapter:    p,
		NewSession: func(link.Config) Session { return session },
		Logger:     newTestLogger(),
	})

	err := s.Run(context.Background(), testAddress, newRecordingSink())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no radio")
	assert.True(t, session.stopped)

	_, open := <-session.events
	assert.False(t, open)
}

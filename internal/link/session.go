package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/bt"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/events"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/go_func_utils"
)

type Config struct {
	Address string
	Adapter bt.Adapter
	Decoder ftms.Decoder // BasicDecoder when nil

	// HandshakeTimeout bounds each of connect, discovery and subscription.
	// Zero waits as long as the radio takes.
	HandshakeTimeout time.Duration

	Logger *log.Logger
}

type inputKind int

const (
	inConnected inputKind = iota
	inDiscovered
	inSubscribed
	inNotification
	inPeerDisconnected
	inStop
)

type input struct {
	kind    inputKind
	conn    bt.Connection
	char    bt.Characteristic
	payload []byte
	err     error
}

// isStepResult reports whether in answers an outstanding radio operation
func (in input) isStepResult() bool {
	return in.kind == inConnected || in.kind == inDiscovered || in.kind == inSubscribed
}

// Session is one connection attempt to one peer. All radio callbacks are
// posted to a mailbox and applied on a single loop goroutine, which owns the
// state, the connection handle and the characteristic.
type Session struct {
	config  Config
	decoder ftms.Decoder
	logger  *log.Logger

	inbox  *events.Mailbox[input]
	outbox *events.Mailbox[Event]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	finished bool
	state    State

	// loop goroutine only
	conn       bt.Connection
	char       bt.Characteristic
	subscribed bool
	pending    bool
	stepCancel context.CancelFunc
}

func NewSession(config Config) *Session {
	if config.Logger == nil {
		panic("Session: logger cannot be nil")
	}
	if config.Adapter == nil {
		panic("Session: adapter cannot be nil")
	}
	decoder := config.Decoder
	if decoder == nil {
		decoder = ftms.BasicDecoder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		config:  config,
		decoder: decoder,
		logger:  config.Logger,
		inbox:   events.NewMailbox[input](),
		outbox:  events.NewMailbox[Event](),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   Idle,
	}
}

func (s *Session) Address() string {
	return s.config.Address
}

// Events returns the session's event stream. It ends with exactly one
// Terminated event, after which the channel is closed. The stream must be
// read until it closes, also for a session stopped before Start, or its
// delivery goroutine stays blocked.
func (s *Session) Events() <-chan Event {
	return s.outbox.C()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has terminated and released its connection
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start begins the handshake. A session can be started once.
func (s *Session) Start() error {
	if strings.TrimSpace(s.config.Address) == "" {
		return errors.New("session: empty device address")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrSessionStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	s.logger.Printf("Session: Starting for %s", s.config.Address)
	go_func_utils.SafeGo(s.logger, s.run)
	return nil
}

// Stop terminates the session and returns once its connection is released.
// It may be called from any goroutine, any number of times, before or after
// Start.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		if !s.finished {
			s.finished = true
			s.state = Disconnected
			s.logger.Printf("Session: Stopped before start")
			s.cancel()
			s.inbox.Close()
			s.outbox.PostAndClose(Event{Kind: Terminated, State: Disconnected, Reason: ErrStopRequested})
			close(s.done)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.inbox.Post(input{kind: inStop})
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)

	s.transition(Connecting, StatusConnecting)
	s.beginStep(func(ctx context.Context) input {
		conn, err := s.config.Adapter.Connect(ctx, s.config.Address, s.onPeerDisconnect)
		return input{kind: inConnected, conn: conn, err: err}
	})

	for in := range s.inbox.C() {
		if s.handle(in) {
			return
		}
	}
}

// handle applies one input and reports whether the session has terminated
func (s *Session) handle(in input) bool {
	if in.isStepResult() {
		s.endStep()
	}

	switch in.kind {
	case inStop:
		s.logger.Printf("Session: Stop requested in state %v", s.currentState())
		s.terminate(Disconnected, ErrStopRequested, "")
		return true

	case inPeerDisconnected:
		if s.currentState() == Streaming {
			s.logger.Printf("Session: Peer disconnected while streaming: %v", in.err)
			s.terminate(Disconnected, fmt.Errorf("%w: %w", ErrPeerDisconnected, in.err), StatusDisconnected)
		} else {
			s.logger.Printf("Session: Peer disconnected during handshake (%v): %v", s.currentState(), in.err)
			s.terminate(Failed, fmt.Errorf("%w: %w", ErrPeerDisconnected, in.err), StatusDisconnected)
		}
		return true

	case inConnected:
		if in.err != nil {
			s.logger.Printf("Session: Connect failed: %v", in.err)
			s.terminate(Failed, fmt.Errorf("%w: %w", ErrConnectFailed, in.err), StatusConnectFailed)
			return true
		}
		s.conn = in.conn
		s.transition(ServicesDiscovering, StatusDiscovering)
		conn := s.conn
		s.beginStep(func(ctx context.Context) input {
			char, err := conn.FindCharacteristic(ctx, ftms.ServiceUUIDFTMS, ftms.CharUUIDIndoorBikeData)
			return input{kind: inDiscovered, char: char, err: err}
		})

	case inDiscovered:
		if in.err != nil {
			s.logger.Printf("Session: Characteristic resolution failed: %v", in.err)
			switch {
			case errors.Is(in.err, bt.ErrServiceNotFound):
				s.terminate(Failed, fmt.Errorf("%w: %w", ErrServiceOrCharacteristicMissing, in.err), StatusServiceMissing)
			case errors.Is(in.err, bt.ErrCharacteristicNotFound):
				s.terminate(Failed, fmt.Errorf("%w: %w", ErrServiceOrCharacteristicMissing, in.err), StatusCharacteristicMissing)
			default:
				s.terminate(Failed, fmt.Errorf("%w: %w", ErrDiscoveryFailed, in.err), StatusDiscoveryFailed)
			}
			return true
		}
		s.char = in.char
		s.transition(Subscribing, StatusSubscribing)
		char := s.char
		s.beginStep(func(ctx context.Context) input {
			err := char.EnableNotifications(ctx, s.onNotification)
			return input{kind: inSubscribed, err: err}
		})

	case inSubscribed:
		if in.err != nil {
			s.logger.Printf("Session: Subscription failed: %v", in.err)
			s.terminate(Failed, fmt.Errorf("%w: %w", ErrSubscriptionFailed, in.err), StatusSubscriptionFailed)
			return true
		}
		s.subscribed = true
		s.transition(Streaming, StatusStreaming)

	case inNotification:
		s.handleNotification(in.payload)
	}
	return false
}

func (s *Session) handleNotification(payload []byte) {
	if s.currentState() != Streaming {
		s.logger.Printf("Session: Dropping notification received in state %v", s.currentState())
		return
	}

	reading, err := s.decoder.Decode(s.char.UUID(), payload)
	switch {
	case errors.Is(err, ftms.ErrNotApplicable):
		return
	case err != nil:
		s.logger.Printf("Session: Malformed frame %x: %v", payload, err)
		s.emit(Event{Kind: StatusChanged, State: Streaming, Status: fmt.Sprintf("Malformed frame: %v", err)})
		return
	}
	s.emit(Event{Kind: ReadingReceived, State: Streaming, Reading: reading})
}

// terminate moves to a terminal state. It waits for an outstanding radio
// operation to answer, releases the connection, and publishes Terminated
// as the final event.
func (s *Session) terminate(state State, reason error, status string) {
	s.cancel()
	if status != "" {
		s.emit(Event{Kind: StatusChanged, State: s.currentState(), Status: status})
	}

	for s.pending {
		in, ok := <-s.inbox.C()
		if !ok {
			break
		}
		if !in.isStepResult() {
			continue
		}
		s.endStep()
		if in.err != nil {
			continue
		}
		// a result that raced with termination still has to be released
		switch in.kind {
		case inConnected:
			if s.conn == nil {
				s.conn = in.conn
			}
		case inDiscovered:
			s.char = in.char
		case inSubscribed:
			s.subscribed = true
		}
	}

	s.inbox.Close()
	for range s.inbox.C() {
	}

	s.release(errors.Is(reason, ErrPeerDisconnected))

	s.mu.Lock()
	s.state = state
	s.finished = true
	s.mu.Unlock()

	s.logger.Printf("Session: Terminated in state %v: %v", state, reason)
	s.outbox.PostAndClose(Event{Kind: Terminated, State: state, Reason: reason})
}

func (s *Session) release(linkGone bool) {
	if s.subscribed && s.char != nil && !linkGone {
		if err := s.char.DisableNotifications(); err != nil {
			s.logger.Printf("Session: Error disabling notifications: %v", err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Printf("Session: Error closing connection: %v", err)
		}
	}
	s.conn = nil
	s.char = nil
	s.subscribed = false
}

// beginStep runs op on a worker goroutine and posts its result to the inbox
func (s *Session) beginStep(op func(ctx context.Context) input) {
	ctx, cancel := s.stepContext()
	s.pending = true
	s.stepCancel = cancel
	go_func_utils.SafeGo(s.logger, func() {
		in := op(ctx)
		if !s.inbox.Post(in) && in.err == nil && in.conn != nil {
			// only reachable if the loop is gone, which terminate prevents
			s.logger.Printf("Session: Closing orphaned connection")
			in.conn.Close()
		}
	})
}

func (s *Session) endStep() {
	s.pending = false
	if s.stepCancel != nil {
		s.stepCancel()
		s.stepCancel = nil
	}
}

func (s *Session) stepContext() (context.Context, context.CancelFunc) {
	if s.config.HandshakeTimeout > 0 {
		return context.WithTimeout(s.ctx, s.config.HandshakeTimeout)
	}
	return context.WithCancel(s.ctx)
}

func (s *Session) onPeerDisconnect(reason error) {
	if reason == nil {
		reason = bt.ErrLinkLost
	}
	s.inbox.Post(input{kind: inPeerDisconnected, err: reason})
}

func (s *Session) onNotification(buf []byte) {
	s.inbox.Post(input{kind: inNotification, payload: append([]byte(nil), buf...)})
}

func (s *Session) transition(state State, status string) {
	s.mu.Lock()
	from := s.state
	s.state = state
	s.mu.Unlock()

	s.logger.Printf("Session: %v -> %v", from, state)
	s.emit(Event{Kind: StatusChanged, State: state, Status: status})
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) emit(e Event) {
	s.outbox.Post(e)
}

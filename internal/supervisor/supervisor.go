package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/bt"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/display"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/link"
)

var (
	ErrAdapterDisabled  = errors.New("bluetooth adapter disabled")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

const (
	StatusAdapterDisabled  = "Please turn on Bluetooth."
	StatusRetriesExhausted = "Could not connect. Giving up."
)

// Session is the part of link.Session the supervisor drives. Events must
// close after the Terminated event, including when Start fails and Stop
// is called.
type Session interface {
	Start() error
	Stop()
	Events() <-chan link.Event
}

type Config struct {
	Adapter          bt.Adapter
	Decoder          ftms.Decoder
	HandshakeTimeout time.Duration
	Policy           RetryPolicy // Immediate{} when nil

	// OnStreaming runs on the Run goroutine each time a session reaches
	// Streaming
	OnStreaming func(address string)

	// NewSession builds sessions; link.NewSession when nil
	NewSession func(config link.Config) Session

	Logger *log.Logger
}

// Supervisor keeps exactly one link session alive at a time, starting a
// new one whenever the previous one terminates.
type Supervisor struct {
	config   Config
	logger   *log.Logger
	policy   RetryPolicy
	sessions atomic.Int64
}

func NewSupervisor(config Config) *Supervisor {
	if config.Logger == nil {
		panic("Supervisor: logger cannot be nil")
	}
	if config.Adapter == nil {
		panic("Supervisor: adapter cannot be nil")
	}
	policy := config.Policy
	if policy == nil {
		policy = Immediate{}
	}
	if config.NewSession == nil {
		config.NewSession = func(c link.Config) Session { return link.NewSession(c) }
	}
	return &Supervisor{
		config: config,
		logger: config.Logger,
		policy: policy,
	}
}

// Sessions returns how many sessions have been started
func (s *Supervisor) Sessions() int {
	return int(s.sessions.Load())
}

// Run monitors address until ctx ends, the adapter is found disabled, or
// the retry policy gives up. Status and readings go to sink.
func (s *Supervisor) Run(ctx context.Context, address string, sink display.Sink) error {
	if sink == nil {
		panic("Supervisor: sink cannot be nil")
	}

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !s.config.Adapter.Powered() {
			s.logger.Printf("Supervisor: Adapter disabled, not starting a session")
			sink.OnStatus(StatusAdapterDisabled)
			return ErrAdapterDisabled
		}

		session := s.config.NewSession(link.Config{
			Address:          address,
			Adapter:          s.config.Adapter,
			Decoder:          s.config.Decoder,
			HandshakeTimeout: s.config.HandshakeTimeout,
			Logger:           s.logger,
		})
		n := s.sessions.Add(1)
		s.logger.Printf("Supervisor: Starting session #%d for %s", n, address)
		if err := session.Start(); err != nil {
			s.logger.Printf("Supervisor: Session #%d did not start: %v", n, err)
			session.Stop()
			for range session.Events() {
			}
			return fmt.Errorf("start session: %w", err)
		}

		streamed, reason := s.follow(ctx, session, address, sink)
		if err := ctx.Err(); err != nil {
			s.logger.Printf("Supervisor: Stopped: %v", err)
			return err
		}
		s.logger.Printf("Supervisor: Session #%d terminated: %v", n, reason)

		if streamed {
			failures = 0
		}
		failures++

		delay, retry := s.policy.NextDelay(failures)
		if !retry {
			s.logger.Printf("Supervisor: Giving up after %d consecutive failures", failures)
			sink.OnStatus(StatusRetriesExhausted)
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, reason)
		}
		if delay > 0 {
			s.logger.Printf("Supervisor: Waiting %v before reconnecting", delay)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
}

// follow forwards session events to sink until Terminated. When ctx ends
// the session is stopped and drained first.
func (s *Supervisor) follow(ctx context.Context, session Session, address string, sink display.Sink) (streamed bool, reason error) {
	done := ctx.Done()
	events := session.Events()
	for {
		select {
		case <-done:
			done = nil
			s.logger.Printf("Supervisor: Context ended, stopping session")
			session.Stop()

		case e, ok := <-events:
			if !ok {
				return streamed, errors.New("session event stream closed without termination")
			}
			switch e.Kind {
			case link.StatusChanged:
				sink.OnStatus(e.Status)
				if e.State == link.Streaming && !streamed {
					streamed = true
					if s.config.OnStreaming != nil {
						s.config.OnStreaming(address)
					}
				}
			case link.ReadingReceived:
				sink.OnReading(e.Reading)
			case link.Terminated:
				return streamed, e.Reason
			}
		}
	}
}

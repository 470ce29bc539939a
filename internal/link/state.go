package link

import (
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
)

var (
	ErrConnectFailed                  = errors.New("connect failed")
	ErrServiceOrCharacteristicMissing = errors.New("service or characteristic missing")
	ErrDiscoveryFailed                = errors.New("service discovery failed")
	ErrSubscriptionFailed             = errors.New("subscription failed")
	ErrPeerDisconnected               = errors.New("peer disconnected")
	ErrStopRequested                  = errors.New("stop requested")

	ErrAlreadyStarted = errors.New("session already started")
	ErrSessionStopped = errors.New("session already stopped")
)

// Status texts shown to the operator
const (
	StatusConnecting            = "Connecting..."
	StatusDiscovering           = "Connected. Discovering services..."
	StatusSubscribing           = "Subscribing..."
	StatusStreaming             = "Connected"
	StatusConnectFailed         = "Connection failed. Retrying..."
	StatusServiceMissing        = "FTMS Service not found."
	StatusCharacteristicMissing = "Service found, but characteristic not found."
	StatusDiscoveryFailed       = "Service discovery failed."
	StatusSubscriptionFailed    = "Subscription failed."
	StatusDisconnected          = "Disconnected. Reconnecting..."
)

type State int

const (
	Idle State = iota
	Connecting
	ServicesDiscovering
	Subscribing
	Streaming
	Disconnected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case ServicesDiscovering:
		return "ServicesDiscovering"
	case Subscribing:
		return "Subscribing"
	case Streaming:
		return "Streaming"
	case Disconnected:
		return "Disconnected"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == Disconnected || s == Failed
}

type EventKind int

const (
	StatusChanged EventKind = iota
	ReadingReceived
	Terminated
)

func (k EventKind) String() string {
	switch k {
	case StatusChanged:
		return "StatusChanged"
	case ReadingReceived:
		return "ReadingReceived"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is published on Session.Events. State is the session state when
// the event was produced; Reason is only set for Terminated.
type Event struct {
	Kind    EventKind
	State   State
	Status  string
	Reading ftms.Reading
	Reason  error
}

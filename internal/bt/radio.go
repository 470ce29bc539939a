package bt

import (
	"context"
	"errors"
	"log"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/go_func_utils"
)

var (
	ErrServiceNotFound        = errors.New("service not found on device")
	ErrCharacteristicNotFound = errors.New("characteristic not found in service")
	ErrLinkLost               = errors.New("link to peer lost")
	ErrConnectionClosed       = errors.New("connection closed")
)

// Adapter is the host radio as seen by a link session.
// Every method may block on the radio; all of them honor ctx.
type Adapter interface {
	// Powered reports whether the radio is enabled and usable
	Powered() bool

	// Connect opens a connection to address. onDisconnect is called from a
	// radio goroutine if the peer drops the link after Connect returns.
	// If ctx ends first Connect returns ctx.Err() and any connection that
	// completes later is closed by the adapter.
	Connect(ctx context.Context, address string, onDisconnect func(reason error)) (Connection, error)
}

// Connection is one open link to a peer
type Connection interface {
	Address() string

	// FindCharacteristic resolves a characteristic of a service. Errors wrap
	// ErrServiceNotFound or ErrCharacteristicNotFound when the peer lacks them.
	FindCharacteristic(ctx context.Context, serviceUUID, characteristicUUID string) (Characteristic, error)

	// Close releases the link. Only the first call has an effect.
	Close() error
}

// Characteristic is a resolved GATT characteristic
type Characteristic interface {
	UUID() string

	// EnableNotifications writes the CCCD and routes notifications to
	// handler, which runs on a radio goroutine.
	EnableNotifications(ctx context.Context, handler func(buf []byte)) error

	DisableNotifications() error
}

// await runs fn on its own goroutine and waits for it or for ctx.
// When ctx wins and fn later succeeds, discard (if non nil) receives the
// orphaned result so it can be released.
func await[T any](ctx context.Context, logger *log.Logger, fn func() (T, error), discard func(T)) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go_func_utils.SafeGo(logger, func() {
		v, err := fn()
		ch <- result{v, err}
	})

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		if discard != nil {
			go_func_utils.SafeGo(logger, func() {
				if r := <-ch; r.err == nil {
					discard(r.value)
				}
			})
		}
		var zero T
		return zero, ctx.Err()
	}
}

package supervisor

import (
	"math"
	"time"
)

// RetryPolicy decides what happens after a session ends.
// failures counts consecutive sessions that ended without a fresh
// Streaming phase in between, starting at 1.
type RetryPolicy interface {
	NextDelay(failures int) (delay time.Duration, retry bool)
}

// Immediate restarts right away. MaxAttempts of zero never gives up.
type Immediate struct {
	MaxAttempts int
}

func (p Immediate) NextDelay(failures int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && failures >= p.MaxAttempts {
		return 0, false
	}
	return 0, true
}

// DefaultBackoffMax caps a Backoff that has no Max
const DefaultBackoffMax = 5 * time.Minute

// Backoff doubles the delay from Initial after every consecutive failure,
// capped at Max. A Max of zero caps at DefaultBackoffMax, or at Initial
// when that is larger. MaxAttempts of
// zero never gives up.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (p Backoff) NextDelay(failures int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && failures >= p.MaxAttempts {
		return 0, false
	}
	if failures < 1 {
		failures = 1
	}

	limit := p.Max
	if limit <= 0 {
		limit = max(DefaultBackoffMax, p.Initial)
	}

	delay := p.Initial
	for i := 1; i < failures && delay < limit; i++ {
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	return delay, true
}

// NewRetryPolicy picks Immediate when initial is zero, Backoff otherwise
func NewRetryPolicy(initial, max time.Duration, maxAttempts int) RetryPolicy {
	if initial <= 0 {
		return Immediate{MaxAttempts: maxAttempts}
	}
	return Backoff{Initial: initial, Max: max, MaxAttempts: maxAttempts}
}

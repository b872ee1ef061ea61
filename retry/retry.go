// Package retry implements exponential backoff with jitter for the
// Endpoint's router-resolution retries (spec §4.13), adapted from the
// teacher's core/retry package.
package retry

import (
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// Default retry configuration constants.
const (
	// DefaultMaxAttempts caps how many times EnsureRouterIsKnown will
	// re-issue a FindRouterMessage for the same router id before giving
	// up; once the cap is reached, further calls for that router issue
	// no lookup until Forget clears its counter (spec §4.13 resolves the
	// router-resolution retry policy the original left as a TODO).
	DefaultMaxAttempts = 10

	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 10 * time.Second
	DefaultJitter    = 0.2
)

// Delay computes the delay for the given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - jitter + r.Float64()*2*jitter
		delay *= jitterFactor
	}
	return time.Duration(delay)
}

// Schedule tracks one retry cadence per key (e.g. a router id), so that
// repeated calls for the same key reuse the same attempt counter instead
// of restarting backoff from zero.
type Schedule struct {
	attempts map[interface{}]int
}

// NewSchedule returns an empty retry schedule.
func NewSchedule() *Schedule {
	return &Schedule{attempts: make(map[interface{}]int)}
}

// Next returns the delay for the next attempt against key and
// increments its attempt counter. ok is false once DefaultMaxAttempts
// has been reached; the caller should drop the pending job.
func (s *Schedule) Next(key interface{}) (delay time.Duration, ok bool) {
	n := s.attempts[key]
	if n >= DefaultMaxAttempts {
		return 0, false
	}
	s.attempts[key] = n + 1
	return Delay(DefaultBaseDelay, DefaultMaxDelay, DefaultJitter, n), true
}

// Forget clears key's attempt counter, e.g. once its resolution succeeds.
func (s *Schedule) Forget(key interface{}) {
	delete(s.attempts, key)
}

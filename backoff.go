package waconsole

import (
	"math/rand"
	"time"
)

// reconnector tracks the exponential backoff ladder between reconnect attempts.
// Callers serialize access.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	jitter      float64

	attempts int
	delay    time.Duration
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		jitter:      config.ReconnectJitter,
		delay:       config.ReconnectBaseDelay,
	}
}

// next consumes one attempt and returns the delay to wait before it. ok is
// false once maxAttempts have been used.
func (r *reconnector) next() (delay time.Duration, ok bool) {
	if r.attempts >= r.maxAttempts {
		return 0, false
	}
	r.attempts++
	delay = r.delay
	r.delay = min(r.delay*2, r.maxDelay)
	if r.jitter > 0 {
		delay += time.Duration(rand.Float64() * r.jitter * float64(delay))
	}
	return delay, true
}

func (r *reconnector) reset() {
	r.attempts = 0
	r.delay = r.baseDelay
}

// ============================================================================
// Timers
// ============================================================================

type stopper interface {
	Stop() bool
}

// scheduler runs f after d. The realtime client and the inbox take one so
// tests can drive time by hand.
type scheduler interface {
	AfterFunc(d time.Duration, f func()) stopper
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

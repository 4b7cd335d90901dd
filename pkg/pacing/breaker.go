// Package pacing throttles workers whose cycles keep failing. After a
// run of consecutive failures a worker enters a fixed cool-down and
// probes its broken dependency at low cadence instead of hammering it.
package pacing

import "time"

const (
	// DefaultFailureLimit is how many consecutive failed cycles open
	// the breaker.
	DefaultFailureLimit = 3
	// DefaultCooldown is how long an opened breaker stays open.
	DefaultCooldown = 30 * time.Second
)

// Breaker counts consecutive cycle failures for a single worker
// goroutine. Not safe for concurrent use; each worker owns its own.
type Breaker struct {
	limit    int
	cooldown time.Duration

	failures  int
	openUntil time.Time

	// now is swappable in tests.
	now func() time.Time
}

// NewBreaker creates a breaker. Non-positive arguments take the
// package defaults.
func NewBreaker(limit int, cooldown time.Duration) *Breaker {
	if limit <= 0 {
		limit = DefaultFailureLimit
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{limit: limit, cooldown: cooldown, now: time.Now}
}

// Failure records one failed cycle. Reaching the limit opens the
// breaker for the cool-down period and restarts the count.
func (b *Breaker) Failure() {
	b.failures++
	if b.failures >= b.limit {
		b.openUntil = b.now().Add(b.cooldown)
		b.failures = 0
	}
}

// Success resets the consecutive-failure count.
func (b *Breaker) Success() {
	b.failures = 0
}

// Remaining returns the cool-down left, zero when the breaker is closed.
func (b *Breaker) Remaining() time.Duration {
	if d := b.openUntil.Sub(b.now()); d > 0 {
		return d
	}
	return 0
}

// Open reports whether the breaker is in its cool-down.
func (b *Breaker) Open() bool {
	return b.Remaining() > 0
}

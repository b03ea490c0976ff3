package proxy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Breaker trips after a run of consecutive upstream failures and
// rejects new upstream calls for a cooldown period. A single success
// resets the failure count.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	logger    zerolog.Logger

	now func() time.Time // test hook
}

// NewBreaker creates a circuit breaker. A threshold of zero disables
// tripping entirely.
func NewBreaker(threshold int, cooldown time.Duration, logger zerolog.Logger) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
	}
}

// Allow reports whether an upstream call may proceed
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return true
	}
	if b.now().Before(b.openUntil) {
		return false
	}
	// Cooldown elapsed; close and allow a fresh attempt.
	b.openUntil = time.Time{}
	b.failures = 0
	b.logger.Info().Msg("Circuit breaker closed after cooldown")
	return true
}

// Success records a successful upstream call
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Failure records a failed upstream call, tripping the breaker when
// the consecutive-failure threshold is reached
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.threshold <= 0 || b.failures < b.threshold {
		return
	}
	b.openUntil = b.now().Add(b.cooldown)
	b.logger.Warn().
		Int("failures", b.failures).
		Dur("cooldown", b.cooldown).
		Msg("Circuit breaker tripped")
}

// Open reports whether the breaker is currently rejecting calls. Unlike
// Allow it never mutates state, so it is safe for status reporting.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && b.now().Before(b.openUntil)
}

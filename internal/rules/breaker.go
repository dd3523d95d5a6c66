package rules

import (
	"log/slog"
	"sync"
	"time"

	"gridstream/internal/logging"
)

// BreakerState is the observable state of a Breaker.
type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// Breaker is a two-state circuit breaker guarding rule dispatch. Consecutive
// failures at or above the threshold open the circuit for the cooldown
// period; while open, Allow rejects without any network activity. Once the
// cooldown deadline passes the circuit closes again and the failure count
// starts from zero.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// NewBreaker creates a closed breaker. A threshold of n opens the circuit on
// the nth consecutive failure.
func NewBreaker(threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logging.Default(logger).With("component", "rules_breaker"),
	}
}

// Allow reports whether a dispatch attempt may proceed. An expired cooldown
// closes the circuit as a side effect.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return true
	}
	if b.now().Before(b.openUntil) {
		return false
	}

	b.openUntil = time.Time{}
	b.failures = 0
	b.logger.Info("circuit breaker closed after cooldown")
	return true
}

// Success records a successful dispatch and resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Failure records a failed dispatch. Reaching the threshold opens the
// circuit for the cooldown period.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold && b.openUntil.IsZero() {
		b.openUntil = b.now().Add(b.cooldown)
		b.logger.Warn("circuit breaker opened",
			"failures", b.failures,
			"cooldown", b.cooldown)
	}
}

// State returns the breaker's current state without mutating it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.openUntil.IsZero() && b.now().Before(b.openUntil) {
		return BreakerOpen
	}
	return BreakerClosed
}

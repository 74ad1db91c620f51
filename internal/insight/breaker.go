package insight

import (
	"sync"
	"time"
)

// Breaker counts consecutive failures. Once threshold is reached it holds
// the Analyzer on Fallback for the cooldown period.
type Breaker struct {
	mu             sync.RWMutex
	threshold      int
	cooldownPeriod time.Duration
	failureCount   int
	cooldownUntil  time.Time
	now            func() time.Time
}

// NewBreaker falls back to DefaultFailureThreshold when threshold is not
// positive.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Breaker{
		threshold:      threshold,
		cooldownPeriod: cooldown,
		now:            time.Now,
	}
}

// RecordFailure returns true when this failure started a cooldown.
func (cb *Breaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.failureCount >= cb.threshold {
		cb.cooldownUntil = cb.now().Add(cb.cooldownPeriod)
		cb.failureCount = 0
		return true
	}
	return false
}

// IsInCooldown reports whether generation is currently suspended.
func (cb *Breaker) IsInCooldown() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.now().Before(cb.cooldownUntil)
}

// CooldownRemaining is zero outside a cooldown.
func (cb *Breaker) CooldownRemaining() time.Duration {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if now := cb.now(); now.Before(cb.cooldownUntil) {
		return cb.cooldownUntil.Sub(now)
	}
	return 0
}

// Reset clears the failure count and ends any cooldown.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.cooldownUntil = time.Time{}
}

// FailureCount is the number of failures since the last cooldown or Reset.
func (cb *Breaker) FailureCount() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failureCount
}

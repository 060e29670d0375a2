package provider

import (
	"time"

	"github.com/botdesk/messaging-engine/internal/model"
)

// breaker is the failure-isolation state machine guarding one provider.
// Not safe for concurrent use; the pool serializes access.
type breaker struct {
	threshold    int
	baseCooldown time.Duration
	maxCooldown  time.Duration

	state    model.CircuitState
	failures int
	cooldown time.Duration
	openedAt time.Time
	trial    bool // a HALF_OPEN trial call is in flight

	now func() time.Time
}

func newBreaker(threshold int, baseCooldown, maxCooldown time.Duration) *breaker {
	return &breaker{
		threshold:    threshold,
		baseCooldown: baseCooldown,
		maxCooldown:  maxCooldown,
		state:        model.CircuitClosed,
		cooldown:     baseCooldown,
		now:          time.Now,
	}
}

// allow reports whether a call may proceed, transitioning OPEN to HALF_OPEN
// once the cooldown has elapsed. HALF_OPEN admits exactly one trial call.
func (b *breaker) allow() bool {
	switch b.state {
	case model.CircuitClosed:
		return true
	case model.CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = model.CircuitHalfOpen
		b.trial = true
		return true
	case model.CircuitHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	return false
}

// success records a successful call: the circuit closes and backoff resets.
func (b *breaker) success() {
	b.state = model.CircuitClosed
	b.failures = 0
	b.cooldown = b.baseCooldown
	b.trial = false
}

// failure records a failed call. A failed HALF_OPEN trial reopens the circuit
// with doubled cooldown, capped at the ceiling.
func (b *breaker) failure() {
	if b.state == model.CircuitHalfOpen {
		b.failures++
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
		b.open()
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

func (b *breaker) open() {
	b.state = model.CircuitOpen
	b.openedAt = b.now()
	b.trial = false
}

package actuator

import (
	"fmt"
	"time"
)

// breaker counts consecutive transport failures and, past the threshold,
// rejects calls until the cooldown expires. Callers hold Reconciler.mu.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures  int
	openUntil time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *breaker) allow() error {
	if b.threshold <= 0 {
		return nil
	}
	if now := b.now(); now.Before(b.openUntil) {
		return fmt.Errorf("%w: retry in %v", ErrCircuitOpen, b.openUntil.Sub(now).Round(time.Second))
	}
	return nil
}

func (b *breaker) open() bool {
	return b.threshold > 0 && b.now().Before(b.openUntil)
}

// record only counts transport failures; build and validation errors say
// nothing about the control plane.
func (b *breaker) record(err error) {
	if b.threshold <= 0 {
		return
	}
	if err == nil {
		b.failures = 0
		return
	}
	if !isTransportError(err) {
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
		b.failures = 0
	}
}

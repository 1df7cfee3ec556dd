package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a CircuitBreakerBus is rejecting calls.
var ErrCircuitOpen = errors.New("latch: notification bus circuit open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus stops calling a failing Bus for a cool down period.
// Waiters then fall back to polling instead of paying for a broken
// connection on every acquisition attempt.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    state
	failures int
	openedAt time.Time
}

// NewCircuitBreaker wraps bus. The circuit opens after threshold
// consecutive failures and lets one probe through once cooldown elapsed.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerBus{bus: bus, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Healthy reports whether calls currently reach the wrapped bus.
func (cb *CircuitBreakerBus) Healthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == stateClosed || (cb.state == stateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown)
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = stateHalfOpen
			return true
		}
	}
	// half open: a probe is already in flight
	return false
}

func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
		cb.openedAt = cb.now()
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, topic)
	cb.record(err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	if !cb.allow() {
		return nil, ErrCircuitOpen
	}
	ch, err := cb.bus.Subscribe(ctx, topic)
	cb.record(err)
	return ch, err
}

// Close implements Bus.Close.
func (cb *CircuitBreakerBus) Close() error {
	return cb.bus.Close()
}

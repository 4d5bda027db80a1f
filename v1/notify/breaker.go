package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
)

// ErrCircuitOpen is returned by a CircuitBreakerBus while publishing is
// suspended.
var ErrCircuitOpen = errors.New("notify: circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus so that a transport that keeps failing
// stops being called for a while. Lock transitions never wait on a broker
// that is known to be down.
type CircuitBreakerBus struct {
	bus   Bus
	clock clock.Clock

	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker opens the circuit after threshold consecutive publish
// failures and retries the transport once timeout has elapsed.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	return NewCircuitBreakerWithClock(bus, threshold, timeout, clock.WallClock)
}

// NewCircuitBreakerWithClock is NewCircuitBreaker with an explicit time source.
func NewCircuitBreakerWithClock(bus Bus, threshold int, timeout time.Duration, clk clock.Clock) *CircuitBreakerBus {
	return &CircuitBreakerBus{
		bus:       bus,
		clock:     clk,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy reports whether a publish would reach the transport.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateOpen:
		return cb.clock.Now().Sub(cb.lastFail) > cb.timeout
	case stateHalfOpen:
		return false
	}
	return true
}

// allow moves an expired open circuit to half open and lets a single trial
// through.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.clock.Now().Sub(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
	}
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreakerBus) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = cb.clock.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, topic); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Subscribe implements Bus.Subscribe. Subscriptions bypass the breaker.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	return cb.bus.Subscribe(ctx, topic)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}

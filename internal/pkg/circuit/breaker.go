// Package circuit implements a per-platform circuit breaker. The router
// consults it before handing an order to a platform capability: repeated
// platform failures open the circuit, a cooldown later a single probe is
// let through half-open.
package circuit

import (
	"sync"
	"time"

	"conclave/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

type Breaker struct {
	name     string
	max      int
	cooldown time.Duration

	mu       sync.Mutex
	state    State
	fails    int
	lastFail time.Time
	onChange func(name string, from, to State)
}

func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Breaker{name: name, max: threshold, cooldown: cooldown}
}

// SetStateChangeHandler replaces the default log line on transitions.
func (b *Breaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = handler
	b.mu.Unlock()
}

// Allow reports whether a call may proceed. An open circuit past its
// cooldown flips to half-open and admits exactly this caller as the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFail) > b.cooldown {
		b.shift(StateHalfOpen)
	}
	return b.state != StateOpen
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails = 0
	if b.state == StateHalfOpen {
		b.shift(StateClosed)
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails++
	b.lastFail = time.Now()
	switch {
	case b.state == StateHalfOpen:
		b.shift(StateOpen)
	case b.state == StateClosed && b.fails >= b.max:
		b.shift(StateOpen)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) shift(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		go b.onChange(b.name, from, to)
		return
	}
	logger.Warnf("circuit %s: %s -> %s (failures=%d/%d, cooldown=%s)",
		b.name, from, to, b.fails, b.max, b.cooldown)
}

// Package resilience keeps one-shot analysis working while individual Gemini
// models are failing.
//
// A [Breaker] stops calling a model after repeated failures and lets a probe
// through once its cooldown has passed. A [Chain] holds an ordered list of
// models, each behind its own breaker, and moves down the list until one
// answers.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrCircuitOpen is returned by [Breaker.Do] without calling the function
// while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown has passed.
	StateOpen

	// StateHalfOpen lets a limited number of probes through. Enough probe
	// successes close the breaker; a probe failure opens it again.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero fields take their defaults.
type BreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is both the number of concurrent half-open calls allowed and the
	// number of successes needed to close. Default: 1.
	Probes int

	// IsFailure reports whether err counts against the backend. Default: any
	// error except context cancellation or deadline expiry.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	Clock clock.Clock
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = backendFault
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// backendFault is the default failure test. A caller giving up says nothing
// about the backend.
func backendFault(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int // half-open probes running
	successes int // half-open probes that succeeded
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do calls fn unless the breaker is open, and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if b.state == StateOpen {
		if b.cfg.Clock.Since(b.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		change = b.moveLocked(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if probe {
		b.inFlight--
	}
	switch {
	case err == nil:
		b.failures = 0
		if probe && b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.Probes {
				change = b.moveLocked(StateClosed)
			}
		}
	case !b.cfg.IsFailure(err):
	case probe:
		change = b.moveLocked(StateOpen)
	default:
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.Threshold {
			change = b.moveLocked(StateOpen)
		}
	}
}

// moveLocked switches state and returns the notification to run once the
// lock is released.
func (b *Breaker) moveLocked(to State) func() {
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.cfg.Clock.Now()
		slog.Warn("circuit breaker opened", "name", b.cfg.Name, "from", from, "failures", b.failures)
	case StateHalfOpen:
		b.inFlight, b.successes = 0, 0
		slog.Info("circuit breaker probing", "name", b.cfg.Name)
	case StateClosed:
		b.failures = 0
		slog.Info("circuit breaker closed", "name", b.cfg.Name)
	}
	if b.cfg.OnStateChange == nil {
		return nil
	}
	name, cb := b.cfg.Name, b.cfg.OnStateChange
	return func() { cb(name, from, to) }
}

// State reports the current state. An open breaker whose cooldown has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Clock.Since(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and forgets all failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var change func()
	if b.state != StateClosed {
		change = b.moveLocked(StateClosed)
	}
	b.failures, b.inFlight, b.successes = 0, 0, 0
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

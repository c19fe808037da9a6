// Package resilience wraps voice providers with circuit breakers and
// connect-time failover.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] chains instances of one provider type, each behind its own
// breaker, and the STT, LLM, TTS and S2S wrappers expose a group as a plain
// provider. Failover covers stream and session start only: once audio or
// tokens flow, errors go to the caller.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbench/pkg/voice"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] without calling the
// provider while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen lets a few probe calls through to decide between the two.
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

// Breaker defaults.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change callbacks; the catalog uses the
	// provider id.
	Name string

	// MaxFailures consecutive failures open a closed breaker.
	MaxFailures int

	// ResetTimeout is the time an open breaker waits before probing.
	ResetTimeout time.Duration

	// HalfOpenMax probes must all succeed to close the breaker.
	HalfOpenMax int

	// IsFailure decides which errors count against the provider. Nil means
	// [ProviderFault].
	IsFailure func(error) bool

	Logger *slog.Logger

	// OnStateChange runs after each transition, outside the breaker's lock.
	OnStateChange func(name string, from, to State)
}

// ProviderFault reports whether err counts against the provider's health.
// Caller cancellation does not, nor do ConfigError and InterruptionRace
// errors.
func ProviderFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch voice.KindOf(err) {
	case voice.KindConfig, voice.KindInterruptionRace:
		return false
	}
	return true
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool
	log          *slog.Logger
	onChange     func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // last trip
	probes   int       // admitted while half-open
	passed   int       // succeeded while half-open
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
		log:          cfg.Logger,
		onChange:     cfg.OnStateChange,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = DefaultMaxFailures
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = DefaultResetTimeout
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = DefaultHalfOpenMax
	}
	if cb.isFailure == nil {
		cb.isFailure = ProviderFault
	}
	if cb.log == nil {
		cb.log = slog.Default()
	}
	return cb
}

// Execute calls fn unless the breaker rejects it with [ErrCircuitOpen]. fn's
// error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, from, err := cb.admit()
	if err != nil {
		return err
	}

	callErr := fn()

	cb.mu.Lock()
	switch {
	case cb.isFailure(callErr):
		cb.onFailure(probe)
	case callErr == nil:
		cb.onSuccess(probe)
	case probe && cb.state == StateHalfOpen:
		// Inconclusive; give the slot to another probe.
		cb.probes--
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return callErr
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, from State, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	from = cb.state
	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, from, ErrCircuitOpen
		}
		cb.state, cb.probes, cb.passed = StateHalfOpen, 0, 0
		cb.log.Info("circuit breaker probing", "provider", cb.name)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			return false, from, ErrCircuitOpen
		}
		cb.probes++
		return true, from, nil
	}
	return false, from, nil
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(probe bool) {
	if probe {
		cb.trip()
		cb.log.Warn("circuit breaker probe failed, reopening", "provider", cb.name)
		return
	}
	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.trip()
		cb.log.Warn("circuit breaker opened", "provider", cb.name, "consecutive_failures", cb.failures)
	}
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(probe bool) {
	if !probe {
		cb.failures = 0
		return
	}
	cb.passed++
	if cb.passed >= cb.halfOpenMax && cb.state == StateHalfOpen {
		cb.state, cb.failures, cb.probes, cb.passed = StateClosed, 0, 0, 0
		cb.log.Info("circuit breaker closed", "provider", cb.name)
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.failures = cb.maxFailures
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the breaker's state. An open breaker whose reset timeout has
// passed reports half-open; it moves there on the next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state, cb.failures, cb.probes, cb.passed = StateClosed, 0, 0, 0
	cb.mu.Unlock()

	cb.log.Info("circuit breaker reset", "provider", cb.name)
	cb.notify(from, StateClosed)
}

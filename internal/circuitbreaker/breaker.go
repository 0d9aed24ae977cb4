// Package circuitbreaker guards the transfer pipeline with a four-state
// breaker: closed → open → half-open transitions driven by success and
// failure counts in a sliding window, plus a manual override state the
// authority can engage during incidents.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrCircuitOpen rejects admission while the circuit is open. Callers
	// should back off and resubmit; this layer never retries for them.
	ErrCircuitOpen = errors.New("circuitbreaker: circuit open")
	// ErrRateLimited rejects admission past the half-open probe budget.
	ErrRateLimited = errors.New("circuitbreaker: half-open operation limit reached")
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed         State = iota // Normal: operations flow through
	StateHalfOpen                    // Probing: limited operations test recovery
	StateOpen                        // Tripped: everything is rejected
	StateManualOverride              // Authority bypass: counting never trips
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	case StateManualOverride:
		return "manual_override"
	default:
		return "unknown"
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bridgeguard",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by from-state and to-state.",
}, []string{"from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// Config holds the breaker thresholds. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold opens the circuit when reached within one window.
	FailureThreshold uint64 `json:"failureThreshold"`
	// FailureWindow is the sliding window for success/failure counting.
	FailureWindow time.Duration `json:"failureWindow"`
	// MinOpenDuration is how long the circuit stays open before probing.
	MinOpenDuration time.Duration `json:"minOpenDuration"`
	// SuccessThreshold closes the circuit from half-open, provided the
	// window holds zero failures.
	SuccessThreshold uint64 `json:"successThreshold"`
	// HalfOpenLimit caps operations admitted per window while half-open.
	HalfOpenLimit uint64 `json:"halfOpenLimit"`
}

// DefaultConfig returns the production thresholds: 5 failures per 5-minute
// window, 10 minutes open, 3 successes to close, 10 half-open probes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    5 * time.Minute,
		MinOpenDuration:  10 * time.Minute,
		SuccessThreshold: 3,
		HalfOpenLimit:    10,
	}
}

// Stats is a read-only health snapshot.
type Stats struct {
	State              string        `json:"state"`
	SuccessRate        float64       `json:"successRate"`
	TotalOperations    uint64        `json:"totalOperations"`
	FailuresInWindow   uint64        `json:"failuresInWindow"`
	TimeInCurrentState time.Duration `json:"timeInCurrentState"`
}

// Breaker is the pipeline-global circuit breaker. Window counters are
// shared by every instruction; all access is serialized behind one mutex.
// Windows reset lazily on the next call, there is no background timer.
type Breaker struct {
	mu              sync.Mutex
	state           State
	failures        uint64
	successes       uint64
	windowStart     time.Time
	lastStateChange time.Time
	cfg             Config
	onTransition    func(from, to State) // optional, fired async
	now             func() time.Time
}

// New creates a closed breaker. Zero-valued config fields take defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.MinOpenDuration <= 0 {
		cfg.MinOpenDuration = def.MinOpenDuration
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.HalfOpenLimit == 0 {
		cfg.HalfOpenLimit = def.HalfOpenLimit
	}
	b := &Breaker{state: StateClosed, cfg: cfg, now: time.Now}
	b.windowStart = b.now()
	b.lastStateChange = b.windowStart
	return b
}

// OnTransition sets a callback invoked on every state change.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow decides whether an operation may proceed. It can transition the
// breaker as a side effect: closed → open when the window already holds
// enough failures, and open → half-open once MinOpenDuration has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rollWindow(now)

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
			return ErrCircuitOpen
		}
		return nil
	case StateHalfOpen:
		if b.failures+b.successes >= b.cfg.HalfOpenLimit {
			return ErrRateLimited
		}
		if b.shouldClose() {
			b.transition(StateClosed, now)
		}
		return nil
	case StateOpen:
		if now.Sub(b.lastStateChange) >= b.cfg.MinOpenDuration {
			b.transition(StateHalfOpen, now)
			return nil
		}
		return ErrCircuitOpen
	default: // StateManualOverride
		return nil
	}
}

// RecordSuccess reports a completed operation. May close the circuit from
// half-open once the success threshold is met with a clean window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rollWindow(now)
	b.successes++

	if b.state == StateHalfOpen && b.shouldClose() {
		b.transition(StateClosed, now)
	}
}

// RecordFailure reports a failed operation. May open the circuit unless
// the manual override is engaged.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rollWindow(now)
	b.failures++

	if b.state != StateManualOverride && b.failures >= b.cfg.FailureThreshold {
		b.transition(StateOpen, now)
	}
}

// SetManualOverride toggles the authority bypass. While enabled every
// operation is admitted and failures never trip the breaker. Disabling
// resets the breaker to closed with fresh counters.
func (b *Breaker) SetManualOverride(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if enabled {
		b.transition(StateManualOverride, now)
		return
	}
	b.transition(StateClosed, now)
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Config returns the active thresholds.
func (b *Breaker) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// SetConfig swaps thresholds in place. Window counters carry over.
func (b *Breaker) SetConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// Stats returns health counters. Calling it has no side effects.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.failures + b.successes
	rate := 100.0
	if total > 0 {
		rate = float64(b.successes) / float64(total) * 100.0
	}
	return Stats{
		State:              b.state.String(),
		SuccessRate:        rate,
		TotalOperations:    total,
		FailuresInWindow:   b.failures,
		TimeInCurrentState: b.now().Sub(b.lastStateChange),
	}
}

// rollWindow zeroes the counters when the window has elapsed.
// Caller must hold b.mu.
func (b *Breaker) rollWindow(now time.Time) {
	if now.Sub(b.windowStart) >= b.cfg.FailureWindow {
		b.windowStart = now
		b.failures = 0
		b.successes = 0
	}
}

// shouldClose reports whether half-open has proven recovery: enough
// successes and not a single failure in the window. Caller must hold b.mu.
func (b *Breaker) shouldClose() bool {
	return b.successes >= b.cfg.SuccessThreshold && b.failures == 0
}

// transition changes state, resets counters for the fresh state, and fires
// the callback. Caller must hold b.mu.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChange = now
	if to == StateHalfOpen || to == StateClosed {
		b.failures = 0
		b.successes = 0
		b.windowStart = now
	}
	cbStateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	if b.onTransition != nil {
		go b.onTransition(from, to)
	}
}

// Package retry schedules bounded retry attempts for operations that failed
// for transient reasons. Each failed operation gets its own session with
// exponential backoff and jitter; in adaptive mode delays are derived from a
// network condition snapshot keyed by the failure reason instead.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/omnichainlabs/bridgeguard/internal/idgen"
)

var (
	// ErrTooManySessions rejects scheduling past the concurrent session cap.
	ErrTooManySessions = errors.New("retry: concurrent session limit reached")
	// ErrSessionNotFound marks an unknown session id.
	ErrSessionNotFound = errors.New("retry: session not found")
	// ErrNotScheduled rejects attempts against a session that is not in the
	// Scheduled state (in progress, finalized, or paused).
	ErrNotScheduled = errors.New("retry: session is not scheduled")
	// ErrNotDue rejects attempts before the session's next retry time.
	ErrNotDue = errors.New("retry: next attempt is not due yet")
)

// Status is the retry session lifecycle state.
type Status int

const (
	StatusScheduled Status = iota
	StatusInProgress
	StatusSuccessful
	StatusFailed
	StatusCancelled
	StatusPaused
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusInProgress:
		return "in_progress"
	case StatusSuccessful:
		return "successful"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// FailureReason classifies why an attempt failed. The adaptive scheduler
// keys its delay and resource adjustments off this.
type FailureReason int

const (
	ReasonUnknown FailureReason = iota
	ReasonNetworkTimeout
	ReasonInsufficientComputeUnits
	ReasonInsufficientPriorityFee
	ReasonBlockhashExpired
	ReasonAccountNotFound
	ReasonInsufficientFunds
	ReasonSimulationFailed
	ReasonNodeOverloaded
)

// String returns the reason name.
func (r FailureReason) String() string {
	switch r {
	case ReasonNetworkTimeout:
		return "network_timeout"
	case ReasonInsufficientComputeUnits:
		return "insufficient_compute_units"
	case ReasonInsufficientPriorityFee:
		return "insufficient_priority_fee"
	case ReasonBlockhashExpired:
		return "blockhash_expired"
	case ReasonAccountNotFound:
		return "account_not_found"
	case ReasonInsufficientFunds:
		return "insufficient_funds"
	case ReasonSimulationFailed:
		return "simulation_failed"
	case ReasonNodeOverloaded:
		return "node_overloaded"
	default:
		return "unknown"
	}
}

// Config holds per-session retry parameters. Multipliers and jitter are in
// basis points (10000 = 1.0x / 100%).
type Config struct {
	MaxAttempts              int           `json:"maxAttempts"`
	InitialDelay             time.Duration `json:"initialDelay"`
	BackoffMultiplierBps     uint32        `json:"backoffMultiplierBps"`
	MaxDelay                 time.Duration `json:"maxDelay"`
	JitterBps                uint32        `json:"jitterBps"`
	ComputeAdjustmentPct     int           `json:"computeAdjustmentPct"`
	PriorityFeeAdjustmentPct int           `json:"priorityFeeAdjustmentPct"`
}

// DefaultConfig returns the stock retry parameters: 5 attempts, 2s initial
// delay doubling up to 60s, 10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:              5,
		InitialDelay:             2 * time.Second,
		BackoffMultiplierBps:     20000,
		MaxDelay:                 60 * time.Second,
		JitterBps:                1000,
		ComputeAdjustmentPct:     20,
		PriorityFeeAdjustmentPct: 50,
	}
}

// OptimizationType names a parameter adjustment applied between attempts.
type OptimizationType string

const (
	OptComputeUnitIncrease OptimizationType = "compute_unit_increase"
	OptComputeUnitDecrease OptimizationType = "compute_unit_decrease"
	OptPriorityFeeIncrease OptimizationType = "priority_fee_increase"
	OptPriorityFeeDecrease OptimizationType = "priority_fee_decrease"
	OptBlockhashRefresh    OptimizationType = "blockhash_refresh"
	OptEndpointSwitch      OptimizationType = "endpoint_switch"
)

// Optimization records one adjustment made during a retry attempt.
type Optimization struct {
	Type       OptimizationType `json:"type"`
	Before     uint64           `json:"before"`
	After      uint64           `json:"after"`
	AtAttempt  int              `json:"atAttempt"`
	Successful bool             `json:"successful"`
}

// Session tracks the retry lifecycle of one failed operation.
type Session struct {
	ID                string          `json:"id"`
	OperationRef      string          `json:"operationRef"`
	Config            Config          `json:"config"`
	Attempt           int             `json:"attempt"`
	Status            Status          `json:"status"`
	FailureReasons    []FailureReason `json:"failureReasons"`
	StartedAt         time.Time       `json:"startedAt"`
	LastAttemptAt     time.Time       `json:"lastAttemptAt"`
	NextRetryAt       time.Time       `json:"nextRetryAt"`
	TotalRetryTime    time.Duration   `json:"totalRetryTime"`
	TotalComputeUnits uint64          `json:"totalComputeUnits"`
	TotalFeesSpent    uint64          `json:"totalFeesSpent"`
	SuccessSignature  string          `json:"successSignature,omitempty"`
	Optimizations     []Optimization  `json:"optimizations,omitempty"`
}

func (s *Session) clone() Session {
	out := *s
	out.FailureReasons = append([]FailureReason(nil), s.FailureReasons...)
	out.Optimizations = append([]Optimization(nil), s.Optimizations...)
	return out
}

// AttemptResult is what the executor reports back for one attempt.
type AttemptResult struct {
	Success       bool          `json:"success"`
	Signature     string        `json:"signature,omitempty"`
	FailureReason FailureReason `json:"failureReason,omitempty"`
	ComputeUnits  uint64        `json:"computeUnits"`
	FeesSpent     uint64        `json:"feesSpent"`
	Optimization  *Optimization `json:"optimization,omitempty"`
}

// Executor performs the actual re-execution of a failed operation. The
// coordinator never retries on its own; it only schedules and accounts.
// An error return means the attempt could not be carried out at all and is
// counted as a failure with ReasonUnknown.
type Executor interface {
	Execute(ctx context.Context, session Session) (AttemptResult, error)
}

// Stats is the coordinator's health snapshot.
type Stats struct {
	TotalAttempts     uint64    `json:"totalAttempts"`
	SuccessfulRetries uint64    `json:"successfulRetries"`
	FailedRetries     uint64    `json:"failedRetries"`
	ActiveSessions    int       `json:"activeSessions"`
	SuccessRateBps    uint32    `json:"successRateBps"`
	AdaptiveEnabled   bool      `json:"adaptiveEnabled"`
	MaxConcurrent     int       `json:"maxConcurrent"`
	LastAttemptAt     time.Time `json:"lastAttemptAt,omitempty"`
}

// Coordinator owns all retry sessions. Independent sessions may run
// concurrently; a single session is guarded by its status (only a Scheduled
// session can enter an attempt, and the attempt holds it InProgress).
type Coordinator struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	active        int
	maxConcurrent int
	defaultCfg    Config
	adaptive      bool
	exec          Executor
	conditions    func() NetworkConditions
	totalAttempts uint64
	successful    uint64
	failed        uint64
	lastAttempt   time.Time
	now           func() time.Time
}

// NewCoordinator creates a coordinator around the given executor.
// maxConcurrent defaults to 20; zero-valued config fields take defaults.
func NewCoordinator(exec Executor, cfg Config, maxConcurrent int) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.BackoffMultiplierBps == 0 {
		cfg.BackoffMultiplierBps = def.BackoffMultiplierBps
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 20
	}
	return &Coordinator{
		sessions:      make(map[string]*Session),
		maxConcurrent: maxConcurrent,
		defaultCfg:    cfg,
		adaptive:      true,
		exec:          exec,
		conditions:    ObserveConditions,
		now:           time.Now,
	}
}

// SetAdaptive toggles network-condition driven scheduling.
func (c *Coordinator) SetAdaptive(enabled bool) {
	c.mu.Lock()
	c.adaptive = enabled
	c.mu.Unlock()
}

// Config returns the default session config.
func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultCfg
}

// SetConfig swaps the default session config. Existing sessions keep their
// snapshot.
func (c *Coordinator) SetConfig(cfg Config) {
	c.mu.Lock()
	c.defaultCfg = cfg
	c.mu.Unlock()
}

// Schedule creates a session for a failed operation. cfg overrides the
// coordinator default when non-nil. Fails with ErrTooManySessions at the
// concurrency cap.
func (c *Coordinator) Schedule(operationRef string, reason FailureReason, cfg *Config) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active >= c.maxConcurrent {
		return Session{}, ErrTooManySessions
	}

	conf := c.defaultCfg
	if cfg != nil {
		conf = *cfg
	}

	now := c.now()
	var delay time.Duration
	if c.adaptive {
		delay = adaptiveParameters(c.conditions(), reason, 1).Delay
	} else {
		delay = conf.InitialDelay
	}

	s := &Session{
		ID:             idgen.WithPrefix("rty_"),
		OperationRef:   operationRef,
		Config:         conf,
		Status:         StatusScheduled,
		FailureReasons: []FailureReason{reason},
		StartedAt:      now,
		NextRetryAt:    now.Add(delay),
	}
	c.sessions[s.ID] = s
	c.active++
	return s.clone(), nil
}

// ExecuteAttempt runs one retry attempt for a scheduled, due session. On
// success the session finalizes as Successful; on failure it is either
// rescheduled with a fresh delay or, at the attempt cap, finalized as Failed.
// Resource usage accrues either way.
func (c *Coordinator) ExecuteAttempt(ctx context.Context, id string) (AttemptResult, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return AttemptResult{}, ErrSessionNotFound
	}
	if s.Status != StatusScheduled {
		c.mu.Unlock()
		return AttemptResult{}, fmt.Errorf("%w: session %s is %s", ErrNotScheduled, id, s.Status)
	}
	now := c.now()
	if now.Before(s.NextRetryAt) {
		c.mu.Unlock()
		return AttemptResult{}, fmt.Errorf("%w: due at %s", ErrNotDue, s.NextRetryAt.Format(time.RFC3339))
	}

	s.Attempt++
	s.Status = StatusInProgress
	s.LastAttemptAt = now
	c.totalAttempts++
	c.lastAttempt = now
	snapshot := s.clone()
	c.mu.Unlock()

	// The external call runs without the coordinator lock. The InProgress
	// status keeps other goroutines out of this session meanwhile.
	res, execErr := c.exec.Execute(ctx, snapshot)
	if execErr != nil {
		res = AttemptResult{Success: false, FailureReason: ReasonUnknown}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	done := c.now()
	s.TotalRetryTime += done.Sub(now)
	s.TotalComputeUnits += res.ComputeUnits
	s.TotalFeesSpent += res.FeesSpent
	if res.Optimization != nil {
		opt := *res.Optimization
		opt.AtAttempt = s.Attempt
		s.Optimizations = append(s.Optimizations, opt)
	}

	if res.Success {
		s.Status = StatusSuccessful
		s.SuccessSignature = res.Signature
		c.successful++
		c.active--
		return res, nil
	}

	s.FailureReasons = append(s.FailureReasons, res.FailureReason)
	if s.Attempt >= s.Config.MaxAttempts {
		s.Status = StatusFailed
		c.failed++
		c.active--
		return res, nil
	}

	var delay time.Duration
	if c.adaptive {
		delay = adaptiveParameters(c.conditions(), res.FailureReason, s.Attempt).Delay
	} else {
		delay = backoffDelay(s.Config, s.Attempt)
	}
	s.NextRetryAt = done.Add(delay)
	s.Status = StatusScheduled
	return res, nil
}

// Cancel finalizes a scheduled or paused session as Cancelled and frees its
// slot. It never unwinds effects of completed attempts.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusScheduled && s.Status != StatusPaused {
		return fmt.Errorf("%w: session %s is %s", ErrNotScheduled, id, s.Status)
	}
	s.Status = StatusCancelled
	c.active--
	return nil
}

// Pause holds a scheduled session. A paused session is not eligible for
// attempts until resumed.
func (c *Coordinator) Pause(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusScheduled {
		return fmt.Errorf("%w: session %s is %s", ErrNotScheduled, id, s.Status)
	}
	s.Status = StatusPaused
	return nil
}

// Resume re-schedules a paused session.
func (c *Coordinator) Resume(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusPaused {
		return fmt.Errorf("%w: session %s is %s", ErrNotScheduled, id, s.Status)
	}
	s.Status = StatusScheduled
	return nil
}

// Session returns a snapshot of one session.
func (c *Coordinator) Session(id string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

// Stats returns the coordinator health snapshot. Calling it has no side
// effects.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	finalized := c.successful + c.failed
	rate := uint32(10000)
	if finalized > 0 {
		rate = uint32(c.successful * 10000 / finalized)
	}
	return Stats{
		TotalAttempts:     c.totalAttempts,
		SuccessfulRetries: c.successful,
		FailedRetries:     c.failed,
		ActiveSessions:    c.active,
		SuccessRateBps:    rate,
		AdaptiveEnabled:   c.adaptive,
		MaxConcurrent:     c.maxConcurrent,
		LastAttemptAt:     c.lastAttempt,
	}
}

// backoffDelay computes initial × multiplier^(attempt−1) capped at max,
// plus positive jitter bounded by JitterBps.
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = delay * time.Duration(cfg.BackoffMultiplierBps) / 10000
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.JitterBps > 0 {
		span := int64(delay) * int64(cfg.JitterBps) / 10000
		delay += time.Duration(cryptoInt64n(span + 1))
	}
	return delay
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

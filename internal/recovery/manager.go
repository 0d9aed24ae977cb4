package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/omnichainlabs/bridgeguard/internal/idgen"
)

var (
	// ErrAutoRecoveryDisabled rejects new sessions while auto-recovery is off.
	ErrAutoRecoveryDisabled = errors.New("recovery: auto-recovery is disabled")
	// ErrTooManySessions rejects new sessions past the concurrency cap.
	ErrTooManySessions = errors.New("recovery: concurrent session limit reached")
	// ErrSessionNotFound marks an unknown session id.
	ErrSessionNotFound = errors.New("recovery: session not found")
	// ErrNotInProgress rejects attempts against a finalized session.
	ErrNotInProgress = errors.New("recovery: session is not in progress")
)

// Report is what a strategy runner returns for one recovery action.
type Report struct {
	Result          ActionResult `json:"result"`
	ActionType      string       `json:"actionType"`
	NewSignature    string       `json:"newSignature,omitempty"`
	ComputeUnits    uint64       `json:"computeUnits"`
	FeesSpent       uint64       `json:"feesSpent"`
	NetworkRequests uint32       `json:"networkRequests"`
}

// StrategyRunner carries out one strategy-specific action. The manager
// selects the strategy and accounts for the attempt; the runner performs
// the actual work (re-execution, rollback, compensation transfer).
// An error return is treated as a failed action.
type StrategyRunner interface {
	Run(ctx context.Context, session Session) (Report, error)
}

// Store persists completed sessions for audit. Implementations must be safe
// for concurrent use.
type Store interface {
	Record(ctx context.Context, s Session) error
}

// Config holds manager settings.
type Config struct {
	MaxConcurrentSessions int  `json:"maxConcurrentSessions"`
	AutoRecoveryEnabled   bool `json:"autoRecoveryEnabled"`
	AggressiveMode        bool `json:"aggressiveMode"`
}

// DefaultConfig returns the stock settings: 10 concurrent sessions,
// auto-recovery on, aggressive mode off.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions: 10,
		AutoRecoveryEnabled:   true,
		AggressiveMode:        false,
	}
}

// Stats is the manager's health snapshot.
type Stats struct {
	TotalAttempts        uint64    `json:"totalAttempts"`
	SuccessfulRecoveries uint64    `json:"successfulRecoveries"`
	FailedRecoveries     uint64    `json:"failedRecoveries"`
	ActiveSessions       int       `json:"activeSessions"`
	SuccessRateBps       uint32    `json:"successRateBps"`
	AutoRecoveryEnabled  bool      `json:"autoRecoveryEnabled"`
	AggressiveMode       bool      `json:"aggressiveMode"`
	LastAttemptAt        time.Time `json:"lastAttemptAt,omitempty"`
}

// Manager owns all recovery sessions. Sessions are independent; a single
// session's fields are only touched under the manager lock, and the
// strategy runner executes without it.
type Manager struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	active        int
	cfg           Config
	runner        StrategyRunner
	store         Store
	totalAttempts uint64
	successful    uint64
	failed        uint64
	lastAttempt   time.Time
	now           func() time.Time
}

// NewManager creates a manager around the given runner. store may be nil.
func NewManager(runner StrategyRunner, store Store, cfg Config) *Manager {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = DefaultConfig().MaxConcurrentSessions
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		runner:   runner,
		store:    store,
		now:      time.Now,
	}
}

// Config returns the active settings.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetConfig swaps settings. Existing sessions keep their attempt budgets.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Initiate opens a recovery session for a failed operation. The strategy
// and attempt budget come from the error classification.
func (m *Manager) Initiate(class ErrorClass, opCtx OperationContext) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.AutoRecoveryEnabled {
		return Session{}, ErrAutoRecoveryDisabled
	}
	if m.active >= m.cfg.MaxConcurrentSessions {
		return Session{}, ErrTooManySessions
	}

	s := &Session{
		ID:          idgen.WithPrefix("rcv_"),
		ErrorClass:  class,
		Strategy:    strategyFor(class, opCtx),
		Context:     opCtx,
		MaxAttempts: maxAttemptsFor(class, m.cfg.AggressiveMode),
		Status:      StatusInProgress,
		StartedAt:   m.now(),
	}
	m.sessions[s.ID] = s
	m.active++
	return s.clone(), nil
}

// ExecuteAttempt runs one strategy action for an in-progress session and
// reports whether recovery succeeded. Manual-intervention sessions never
// auto-execute; the first attempt parks them for a human.
func (m *Manager) ExecuteAttempt(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false, ErrSessionNotFound
	}
	if s.Status != StatusInProgress {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: session %s is %s", ErrNotInProgress, id, s.Status)
	}

	now := m.now()
	s.Attempts++
	m.totalAttempts++
	m.lastAttempt = now

	if s.Strategy == StrategyManualIntervention {
		s.Status = StatusRequiresManualIntervention
		s.Actions = append(s.Actions, Action{
			Type:       "escalate_to_manual",
			Timestamp:  now,
			Parameters: fmt.Sprintf("attempt %d/%d", s.Attempts, s.MaxAttempts),
			Result:     ActionSkipped,
		})
		m.active--
		m.failed++
		m.persist(s.clone())
		m.mu.Unlock()
		return false, nil
	}

	snapshot := s.clone()
	m.mu.Unlock()

	rep, err := m.runner.Run(ctx, snapshot)
	if err != nil {
		rep = Report{Result: ActionFailed, ActionType: "retry_transaction"}
	}
	if rep.ActionType == "" {
		rep.ActionType = "retry_transaction"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s.Actions = append(s.Actions, Action{
		Type:         rep.ActionType,
		Timestamp:    now,
		Parameters:   fmt.Sprintf("attempt %d/%d", s.Attempts, s.MaxAttempts),
		Result:       rep.Result,
		ComputeUnits: rep.ComputeUnits,
	})
	s.Resources.ComputeUnits += rep.ComputeUnits
	s.Resources.FeesSpent += rep.FeesSpent
	s.Resources.NetworkRequests += rep.NetworkRequests

	switch {
	case rep.Result == ActionSuccess:
		m.complete(s, FullRecovery, rep.NewSignature)
		return true, nil
	case rep.Result == ActionPartialSuccess:
		m.complete(s, PartialRecovery, rep.NewSignature)
		return true, nil
	case s.Attempts >= s.MaxAttempts:
		// A compensating-transaction strategy that exhausts its budget still
		// refunds the user in full; anything else is unrecoverable.
		result := UnrecoverableFailure
		if s.Strategy == StrategyCompensatingTransaction {
			result = CompensatedFailure
		}
		m.complete(s, result, "")
		return false, nil
	default:
		return false, nil
	}
}

// Cancel finalizes an in-progress session as Cancelled. It never unwinds
// effects of completed actions.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusInProgress {
		return fmt.Errorf("%w: session %s is %s", ErrNotInProgress, id, s.Status)
	}
	now := m.now()
	s.Status = StatusCancelled
	s.CompletedAt = &now
	m.active--
	return nil
}

// Session returns a snapshot of one session.
func (m *Manager) Session(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

// Stats returns the manager health snapshot. Calling it has no side effects.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	finalized := m.successful + m.failed
	rate := uint32(10000)
	if finalized > 0 {
		rate = uint32(m.successful * 10000 / finalized)
	}
	return Stats{
		TotalAttempts:        m.totalAttempts,
		SuccessfulRecoveries: m.successful,
		FailedRecoveries:     m.failed,
		ActiveSessions:       m.active,
		SuccessRateBps:       rate,
		AutoRecoveryEnabled:  m.cfg.AutoRecoveryEnabled,
		AggressiveMode:       m.cfg.AggressiveMode,
		LastAttemptAt:        m.lastAttempt,
	}
}

// complete finalizes a session with an outcome. Caller must hold m.mu.
func (m *Manager) complete(s *Session, result Result, newSignature string) {
	now := m.now()
	switch result {
	case FullRecovery, PartialRecovery:
		s.Status = StatusSuccessful
		m.successful++
	default:
		s.Status = StatusFailed
		m.failed++
	}
	s.CompletedAt = &now
	s.Resources.Duration = now.Sub(s.StartedAt)
	s.Outcome = &Outcome{
		Result:         result,
		NewSignature:   newSignature,
		Compensation:   compensationFor(result, s.Context),
		LessonsLearned: lessonsFor(s.ErrorClass),
	}
	m.active--
	m.persist(s.clone())
}

// persist writes a finalized session to the audit store, best effort.
// Caller must hold m.mu.
func (m *Manager) persist(s Session) {
	if m.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.store.Record(ctx, s)
	}()
}

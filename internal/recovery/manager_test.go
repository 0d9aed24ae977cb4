package recovery

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedRunner replays a fixed sequence of strategy reports.
type scriptedRunner struct {
	reports []Report
	calls   int
}

func (r *scriptedRunner) Run(_ context.Context, _ Session) (Report, error) {
	if r.calls >= len(r.reports) {
		return Report{}, errors.New("scripted runner exhausted")
	}
	rep := r.reports[r.calls]
	r.calls++
	return rep, nil
}

func failedReport() Report {
	return Report{Result: ActionFailed, ActionType: "retry_transaction", ComputeUnits: 5000, FeesSpent: 1000}
}

func successReport(sig string) Report {
	return Report{Result: ActionSuccess, ActionType: "retry_transaction", NewSignature: sig, ComputeUnits: 5000, FeesSpent: 1000}
}

func newTestManager(runner StrategyRunner, cfg Config) *Manager {
	m := NewManager(runner, nil, cfg)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return t0 }
	return m
}

func TestStrategySelection(t *testing.T) {
	cases := []struct {
		name  string
		class ErrorClass
		ctx   OperationContext
		want  Strategy
	}{
		{"network timeout backs off", ErrClassNetworkTimeout, OperationContext{}, StrategyExponentialBackoff},
		{"insufficient funds compensates", ErrClassInsufficientFunds, OperationContext{}, StrategyCompensatingTransaction},
		{"state corruption reconstructs", ErrClassStateCorruption, OperationContext{}, StrategyStateReconstruction},
		{"concurrency conflict rolls back", ErrClassConcurrencyConflict, OperationContext{}, StrategyRollbackRetry},
		{"gateway unavailable degrades", ErrClassGatewayUnavailable, OperationContext{}, StrategyGracefulDegradation},
		{"system overload degrades", ErrClassSystemOverload, OperationContext{}, StrategyGracefulDegradation},
		{"compute exceeded adjusts parameters", ErrClassComputeExceeded, OperationContext{}, StrategyParameterAdjustment},
		{"cross-chain timeout reroutes", ErrClassCrossChainTimeout, OperationContext{}, StrategyAlternativeExecution},
		{"security violation goes manual", ErrClassSecurityViolation, OperationContext{}, StrategyManualIntervention},
		{"light tx failure backs off", ErrClassTransactionFailed, OperationContext{ComputeUnits: 100_000}, StrategyExponentialBackoff},
		{"heavy tx failure adjusts parameters", ErrClassTransactionFailed, OperationContext{ComputeUnits: 200_000}, StrategyParameterAdjustment},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := strategyFor(tc.class, tc.ctx); got != tc.want {
				t.Fatalf("strategyFor(%v) = %v, want %v", tc.class, got, tc.want)
			}
		})
	}
}

func TestMaxAttemptsTable(t *testing.T) {
	cases := []struct {
		class      ErrorClass
		aggressive bool
		want       int
	}{
		{ErrClassNetworkTimeout, false, 5},
		{ErrClassTransactionFailed, false, 3},
		{ErrClassComputeExceeded, false, 2},
		{ErrClassCrossChainTimeout, false, 4},
		{ErrClassSecurityViolation, false, 1},
		{ErrClassGatewayUnavailable, false, 3},
		{ErrClassNetworkTimeout, true, 10},
		{ErrClassCrossChainTimeout, true, 8},
		{ErrClassSecurityViolation, true, 2},
	}
	for _, tc := range cases {
		if got := maxAttemptsFor(tc.class, tc.aggressive); got != tc.want {
			t.Fatalf("maxAttemptsFor(%v, aggressive=%v) = %d, want %d", tc.class, tc.aggressive, got, tc.want)
		}
	}
}

func TestFullRecoveryOnSuccess(t *testing.T) {
	runner := &scriptedRunner{reports: []Report{failedReport(), successReport("sig-new")}}
	m := newTestManager(runner, DefaultConfig())

	s, err := m.Initiate(ErrClassNetworkTimeout, OperationContext{OperationType: "cross_chain_transfer", FeesPaid: 8000})
	if err != nil {
		t.Fatalf("Initiate() = %v", err)
	}

	ok, err := m.ExecuteAttempt(context.Background(), s.ID)
	if err != nil || ok {
		t.Fatalf("attempt 1 = (%v, %v), want failure", ok, err)
	}
	ok, err = m.ExecuteAttempt(context.Background(), s.ID)
	if err != nil || !ok {
		t.Fatalf("attempt 2 = (%v, %v), want success", ok, err)
	}

	got, _ := m.Session(s.ID)
	if got.Status != StatusSuccessful {
		t.Fatalf("status = %v, want successful", got.Status)
	}
	if got.Outcome == nil || got.Outcome.Result != FullRecovery {
		t.Fatalf("outcome = %+v, want full recovery", got.Outcome)
	}
	if got.Outcome.Compensation != nil {
		t.Fatalf("full recovery must carry no compensation, got %+v", got.Outcome.Compensation)
	}
	if got.Outcome.NewSignature != "sig-new" {
		t.Fatalf("new signature = %q, want sig-new", got.Outcome.NewSignature)
	}
	if len(got.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(got.Actions))
	}
	if got.Resources.ComputeUnits != 10000 || got.Resources.FeesSpent != 2000 {
		t.Fatalf("resources = %+v, want accrued from both attempts", got.Resources)
	}
}

func TestExhaustionIsUnrecoverableWithDoubleCompensation(t *testing.T) {
	runner := &scriptedRunner{reports: []Report{failedReport(), failedReport(), failedReport(), failedReport(), failedReport()}}
	m := newTestManager(runner, DefaultConfig())

	s, err := m.Initiate(ErrClassNetworkTimeout, OperationContext{FeesPaid: 3000})
	if err != nil {
		t.Fatalf("Initiate() = %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := m.ExecuteAttempt(context.Background(), s.ID); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	got, _ := m.Session(s.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", got.Status)
	}
	if got.Outcome.Result != UnrecoverableFailure {
		t.Fatalf("result = %v, want unrecoverable", got.Outcome.Result)
	}
	comp := got.Outcome.Compensation
	if comp == nil || comp.Type != CompToken || comp.Amount != 6000 {
		t.Fatalf("compensation = %+v, want 2x fees (6000)", comp)
	}

	// Attempt 6 must be refused.
	if _, err := m.ExecuteAttempt(context.Background(), s.ID); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("attempt past exhaustion = %v, want ErrNotInProgress", err)
	}
	if runner.calls != 5 {
		t.Fatalf("runner called %d times, want 5", runner.calls)
	}
}

func TestCompensatingStrategyExhaustionRefundsInFull(t *testing.T) {
	runner := &scriptedRunner{reports: []Report{failedReport(), failedReport(), failedReport()}}
	m := newTestManager(runner, DefaultConfig())

	s, _ := m.Initiate(ErrClassInsufficientFunds, OperationContext{FeesPaid: 4000})
	for i := 0; i < 3; i++ {
		if _, err := m.ExecuteAttempt(context.Background(), s.ID); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	got, _ := m.Session(s.ID)
	if got.Outcome.Result != CompensatedFailure {
		t.Fatalf("result = %v, want compensated failure", got.Outcome.Result)
	}
	comp := got.Outcome.Compensation
	if comp == nil || comp.Type != CompFeeRefund || comp.Amount != 4000 {
		t.Fatalf("compensation = %+v, want full refund (4000)", comp)
	}
}

func TestPartialRecoveryCreditsHalfFees(t *testing.T) {
	runner := &scriptedRunner{reports: []Report{{Result: ActionPartialSuccess, ActionType: "compensate_user"}}}
	m := newTestManager(runner, DefaultConfig())

	s, _ := m.Initiate(ErrClassGatewayUnavailable, OperationContext{FeesPaid: 9000})
	ok, err := m.ExecuteAttempt(context.Background(), s.ID)
	if err != nil || !ok {
		t.Fatalf("attempt = (%v, %v), want partial success", ok, err)
	}

	got, _ := m.Session(s.ID)
	if got.Status != StatusSuccessful || got.Outcome.Result != PartialRecovery {
		t.Fatalf("session = %+v, want partial recovery", got)
	}
	comp := got.Outcome.Compensation
	if comp == nil || comp.Type != CompServiceCredit || comp.Amount != 4500 {
		t.Fatalf("compensation = %+v, want 50%% credit (4500)", comp)
	}
}

func TestSecurityViolationNeverAutoExecutes(t *testing.T) {
	runner := &scriptedRunner{reports: []Report{successReport("should-not-run")}}
	m := newTestManager(runner, DefaultConfig())

	s, err := m.Initiate(ErrClassSecurityViolation, OperationContext{FeesPaid: 1000})
	if err != nil {
		t.Fatalf("Initiate() = %v", err)
	}
	if s.Strategy != StrategyManualIntervention {
		t.Fatalf("strategy = %v, want manual intervention", s.Strategy)
	}

	ok, err := m.ExecuteAttempt(context.Background(), s.ID)
	if err != nil || ok {
		t.Fatalf("attempt = (%v, %v), want parked without success", ok, err)
	}
	if runner.calls != 0 {
		t.Fatal("runner must never be invoked for manual intervention")
	}

	got, _ := m.Session(s.ID)
	if got.Status != StatusRequiresManualIntervention {
		t.Fatalf("status = %v, want requires_manual_intervention", got.Status)
	}
	if len(got.Actions) != 1 || got.Actions[0].Result != ActionSkipped {
		t.Fatalf("actions = %+v, want one skipped escalation", got.Actions)
	}
}

func TestAutoRecoveryDisabledRejectsInitiate(t *testing.T) {
	m := newTestManager(&scriptedRunner{}, Config{MaxConcurrentSessions: 10, AutoRecoveryEnabled: false})
	if _, err := m.Initiate(ErrClassNetworkTimeout, OperationContext{}); !errors.Is(err, ErrAutoRecoveryDisabled) {
		t.Fatalf("Initiate() = %v, want ErrAutoRecoveryDisabled", err)
	}
}

func TestConcurrentSessionCap(t *testing.T) {
	m := newTestManager(&scriptedRunner{}, Config{MaxConcurrentSessions: 2, AutoRecoveryEnabled: true})

	first, err := m.Initiate(ErrClassNetworkTimeout, OperationContext{})
	if err != nil {
		t.Fatalf("Initiate() = %v", err)
	}
	if _, err := m.Initiate(ErrClassNetworkTimeout, OperationContext{}); err != nil {
		t.Fatalf("Initiate() = %v", err)
	}
	if _, err := m.Initiate(ErrClassNetworkTimeout, OperationContext{}); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("Initiate() past cap = %v, want ErrTooManySessions", err)
	}

	if err := m.Cancel(first.ID); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}
	if _, err := m.Initiate(ErrClassNetworkTimeout, OperationContext{}); err != nil {
		t.Fatalf("Initiate() after cancel = %v, want nil", err)
	}
}

func TestCancelledSessionRejectsAttempts(t *testing.T) {
	m := newTestManager(&scriptedRunner{}, DefaultConfig())
	s, _ := m.Initiate(ErrClassNetworkTimeout, OperationContext{})
	if err := m.Cancel(s.ID); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}
	if _, err := m.ExecuteAttempt(context.Background(), s.ID); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("ExecuteAttempt() cancelled = %v, want ErrNotInProgress", err)
	}
	if err := m.Cancel(s.ID); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("double Cancel() = %v, want ErrNotInProgress", err)
	}
}

func TestLessonsLearnedPerErrorClass(t *testing.T) {
	runner := &scriptedRunner{reports: []Report{successReport("sig")}}
	m := newTestManager(runner, DefaultConfig())

	s, _ := m.Initiate(ErrClassComputeExceeded, OperationContext{})
	if _, err := m.ExecuteAttempt(context.Background(), s.ID); err != nil {
		t.Fatalf("ExecuteAttempt() = %v", err)
	}
	got, _ := m.Session(s.ID)
	if got.Outcome.LessonsLearned != "consider dynamic compute limit adjustment" {
		t.Fatalf("lessons = %q", got.Outcome.LessonsLearned)
	}
}

func TestStatsIdempotent(t *testing.T) {
	runner := &scriptedRunner{reports: []Report{successReport("sig")}}
	m := newTestManager(runner, DefaultConfig())

	s, _ := m.Initiate(ErrClassNetworkTimeout, OperationContext{})
	if _, err := m.ExecuteAttempt(context.Background(), s.ID); err != nil {
		t.Fatalf("ExecuteAttempt() = %v", err)
	}

	a, b := m.Stats(), m.Stats()
	if a != b {
		t.Fatalf("stats not idempotent: %+v vs %+v", a, b)
	}
	if a.SuccessfulRecoveries != 1 || a.SuccessRateBps != 10000 || a.ActiveSessions != 0 {
		t.Fatalf("stats = %+v", a)
	}
}

func TestRunnerErrorCountsAsFailedAction(t *testing.T) {
	m := newTestManager(&scriptedRunner{}, DefaultConfig()) // exhausted runner errors immediately

	s, _ := m.Initiate(ErrClassComputeExceeded, OperationContext{}) // 2 attempts max
	if ok, err := m.ExecuteAttempt(context.Background(), s.ID); ok || err != nil {
		t.Fatalf("attempt 1 = (%v, %v), want counted failure", ok, err)
	}
	got, _ := m.Session(s.ID)
	if got.Status != StatusInProgress || len(got.Actions) != 1 || got.Actions[0].Result != ActionFailed {
		t.Fatalf("session = %+v, want one failed action, still in progress", got)
	}
}

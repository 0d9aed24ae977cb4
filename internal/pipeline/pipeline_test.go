package pipeline

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/omnichainlabs/bridgeguard/internal/circuitbreaker"
	"github.com/omnichainlabs/bridgeguard/internal/fraud"
	"github.com/omnichainlabs/bridgeguard/internal/message"
	"github.com/omnichainlabs/bridgeguard/internal/recovery"
	"github.com/omnichainlabs/bridgeguard/internal/retry"
	"github.com/omnichainlabs/bridgeguard/internal/signature"
)

// scriptedExec consumes one scripted error per call; a nil entry or an
// exhausted script means success.
type scriptedExec struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (e *scriptedExec) Execute(_ context.Context, _ Instruction) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("sig_%d", e.calls), nil
}

func (e *scriptedExec) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestPipeline(t *testing.T, exec Executor) (*Pipeline, *ecdsa.PrivateKey, *circuitbreaker.Breaker) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 100})
	p := New(Deps{
		Breaker:  breaker,
		Verifier: signature.NewVerifier(crypto.PubkeyToAddress(key.PublicKey), signature.NewMemoryNonceStore()),
		Engine:   fraud.NewEngine(fraud.DefaultConfig(), nil),
		RetryConfig: retry.Config{
			MaxAttempts:          2,
			InitialDelay:         time.Millisecond,
			BackoffMultiplierBps: 10000,
			MaxDelay:             time.Millisecond,
		},
		RecoveryConfig: recovery.DefaultConfig(),
		Checkpoints:    recovery.NewCheckpointer(time.Hour, 1000),
		Executor:       exec,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	p.Retries().SetAdaptive(false)
	return p, key, breaker
}

func signedInstruction(t *testing.T, key *ecdsa.PrivateKey, nonce uint64) Instruction {
	t.Helper()
	in := Instruction{
		Sender:      make([]byte, 20),
		SourceChain: 7000,
		DestChain:   1,
		Recipient:   make([]byte, 20),
		Amount:      100,
		Nonce:       nonce,
		GasLimit:    100_000,
	}
	digest := signature.MessageDigest(in.Nonce, in.SourceChain, in.Recipient, in.Amount, in.Payload)
	raw, err := crypto.Sign(digest[:], key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	copy(in.Signature[:], raw[:64])
	in.RecoveryID = raw[64]
	return in
}

func waitDue(t *testing.T) {
	t.Helper()
	time.Sleep(5 * time.Millisecond)
}

func TestProcessAcceptsValidInstruction(t *testing.T) {
	exec := &scriptedExec{}
	p, key, _ := newTestPipeline(t, exec)

	out, err := p.Process(context.Background(), signedInstruction(t, key, 1))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Verdict != VerdictAccepted {
		t.Fatalf("verdict = %s, want accepted (%s)", out.Verdict, out.Reason)
	}
	if out.Signature != "sig_1" {
		t.Fatalf("signature = %q, want sig_1", out.Signature)
	}
	if got := p.Stats(); got.Accepted != 1 || got.InFlight != 0 {
		t.Fatalf("stats = %+v, want 1 accepted, 0 in flight", got)
	}
}

func TestProcessRejectsMalformedSender(t *testing.T) {
	exec := &scriptedExec{}
	p, key, _ := newTestPipeline(t, exec)

	in := signedInstruction(t, key, 1)
	in.Sender = make([]byte, 19)

	out, err := p.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Verdict != VerdictRejected {
		t.Fatalf("verdict = %s, want rejected", out.Verdict)
	}
	if exec.callCount() != 0 {
		t.Fatal("executor must not run for invalid instructions")
	}
}

func TestProcessRejectsUnsupportedDestination(t *testing.T) {
	exec := &scriptedExec{}
	p, key, _ := newTestPipeline(t, exec)

	in := signedInstruction(t, key, 1)
	in.DestChain = 424242

	out, _ := p.Process(context.Background(), in)
	if out.Verdict != VerdictRejected {
		t.Fatalf("verdict = %s, want rejected", out.Verdict)
	}
}

func TestProcessRejectsForgedSignature(t *testing.T) {
	exec := &scriptedExec{}
	p, _, _ := newTestPipeline(t, exec)

	forger, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	out, _ := p.Process(context.Background(), signedInstruction(t, forger, 1))
	if out.Verdict != VerdictRejected {
		t.Fatalf("verdict = %s, want rejected", out.Verdict)
	}
	if exec.callCount() != 0 {
		t.Fatal("executor must not run for forged instructions")
	}
}

func TestProcessRejectsReplayedNonce(t *testing.T) {
	exec := &scriptedExec{}
	p, key, _ := newTestPipeline(t, exec)

	if out, _ := p.Process(context.Background(), signedInstruction(t, key, 5)); out.Verdict != VerdictAccepted {
		t.Fatalf("first submission rejected: %s", out.Reason)
	}
	out, _ := p.Process(context.Background(), signedInstruction(t, key, 5))
	if out.Verdict != VerdictRejected {
		t.Fatalf("replay verdict = %s, want rejected", out.Verdict)
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor ran %d times, want 1", exec.callCount())
	}
}

func TestOpenCircuitRefusesAdmission(t *testing.T) {
	exec := &scriptedExec{}
	p, key, breaker := newTestPipeline(t, exec)

	for i := 0; i < 100; i++ {
		breaker.RecordFailure()
	}
	out, _ := p.Process(context.Background(), signedInstruction(t, key, 1))
	if out.Verdict != VerdictRejected {
		t.Fatalf("verdict = %s, want rejected", out.Verdict)
	}
	if exec.callCount() != 0 {
		t.Fatal("executor must not run while the circuit is open")
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	exec := &scriptedExec{errs: []error{Transient(retry.ReasonNetworkTimeout, errors.New("rpc timeout"))}}
	p, key, _ := newTestPipeline(t, exec)

	out, err := p.Process(context.Background(), signedInstruction(t, key, 1))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Verdict != VerdictPendingRecovery {
		t.Fatalf("verdict = %s, want pending_recovery", out.Verdict)
	}
	if out.RetrySessionID == "" {
		t.Fatal("expected a retry session id")
	}
	sess, err := p.Retries().Session(out.RetrySessionID)
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if sess.Status != retry.StatusScheduled {
		t.Fatalf("session status = %s, want scheduled", sess.Status)
	}
	if got := p.Stats(); got.InFlight != 1 {
		t.Fatalf("in flight = %d, want 1", got.InFlight)
	}
}

func TestStructuralFailureInitiatesRecovery(t *testing.T) {
	exec := &scriptedExec{errs: []error{Structural(recovery.ErrClassInsufficientFunds, errors.New("vault empty"))}}
	p, key, _ := newTestPipeline(t, exec)

	out, _ := p.Process(context.Background(), signedInstruction(t, key, 1))
	if out.Verdict != VerdictPendingRecovery {
		t.Fatalf("verdict = %s, want pending_recovery", out.Verdict)
	}
	if out.RecoverySessionID == "" {
		t.Fatal("expected a recovery session id")
	}
	sess, err := p.Recoveries().Session(out.RecoverySessionID)
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if sess.Strategy != recovery.StrategyCompensatingTransaction {
		t.Fatalf("strategy = %s, want compensating_transaction", sess.Strategy)
	}
}

func TestDriveRetryRecoversOperation(t *testing.T) {
	exec := &scriptedExec{errs: []error{Transient(retry.ReasonNodeOverloaded, errors.New("node busy")), nil}}
	p, key, _ := newTestPipeline(t, exec)

	out, _ := p.Process(context.Background(), signedInstruction(t, key, 1))
	if out.RetrySessionID == "" {
		t.Fatalf("expected retry session, got verdict %s", out.Verdict)
	}

	waitDue(t)
	sess, err := p.DriveRetry(context.Background(), out.RetrySessionID)
	if err != nil {
		t.Fatalf("drive retry: %v", err)
	}
	if sess.Status != retry.StatusSuccessful {
		t.Fatalf("status = %s, want successful", sess.Status)
	}
	if sess.SuccessSignature == "" {
		t.Fatal("expected a success signature")
	}
	if got := p.Stats(); got.InFlight != 0 {
		t.Fatalf("in flight = %d, want 0 after recovery", got.InFlight)
	}
}

func TestRetryExhaustionEscalatesToRecovery(t *testing.T) {
	exec := &scriptedExec{errs: []error{
		Transient(retry.ReasonNetworkTimeout, errors.New("timeout")),
		Transient(retry.ReasonNetworkTimeout, errors.New("timeout")),
		Transient(retry.ReasonNetworkTimeout, errors.New("timeout")),
	}}
	p, key, _ := newTestPipeline(t, exec)

	out, _ := p.Process(context.Background(), signedInstruction(t, key, 1))

	waitDue(t)
	if _, err := p.DriveRetry(context.Background(), out.RetrySessionID); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	waitDue(t)
	sess, err := p.DriveRetry(context.Background(), out.RetrySessionID)
	if err != nil {
		t.Fatalf("attempt 2: %v", err)
	}
	if sess.Status != retry.StatusFailed {
		t.Fatalf("status = %s, want failed", sess.Status)
	}
	if got := p.Recoveries().Stats().ActiveSessions; got != 1 {
		t.Fatalf("active recovery sessions = %d, want 1 after escalation", got)
	}
}

func TestDriveRecoveryCompletesWithFullRecovery(t *testing.T) {
	exec := &scriptedExec{errs: []error{Structural(recovery.ErrClassCrossChainTimeout, errors.New("relay stalled")), nil}}
	p, key, _ := newTestPipeline(t, exec)

	out, _ := p.Process(context.Background(), signedInstruction(t, key, 1))
	if out.RecoverySessionID == "" {
		t.Fatalf("expected recovery session, got verdict %s", out.Verdict)
	}

	sess, err := p.DriveRecovery(context.Background(), out.RecoverySessionID)
	if err != nil {
		t.Fatalf("drive recovery: %v", err)
	}
	if sess.Status != recovery.StatusSuccessful {
		t.Fatalf("status = %s, want successful", sess.Status)
	}
	if sess.Outcome == nil || sess.Outcome.Result != recovery.FullRecovery {
		t.Fatalf("outcome = %+v, want full recovery", sess.Outcome)
	}
	if got := p.Stats(); got.InFlight != 0 {
		t.Fatalf("in flight = %d, want 0", got.InFlight)
	}
}

func TestGracefulDegradationCreditsHalfFees(t *testing.T) {
	exec := &scriptedExec{errs: []error{Structural(recovery.ErrClassSystemOverload, errors.New("gateway saturated"))}}
	p, key, _ := newTestPipeline(t, exec)

	out, _ := p.Process(context.Background(), signedInstruction(t, key, 1))
	sess, err := p.DriveRecovery(context.Background(), out.RecoverySessionID)
	if err != nil {
		t.Fatalf("drive recovery: %v", err)
	}
	if sess.Outcome == nil || sess.Outcome.Result != recovery.PartialRecovery {
		t.Fatalf("outcome = %+v, want partial recovery", sess.Outcome)
	}
	comp := sess.Outcome.Compensation
	if comp == nil || comp.Type != recovery.CompServiceCredit {
		t.Fatalf("compensation = %+v, want service credit", comp)
	}
	// estimateFees(100000 gas) = 10000; partial recovery credits half.
	if comp.Amount != 5000 {
		t.Fatalf("credit = %d, want 5000", comp.Amount)
	}
}

func TestStateReconstructionNeedsCheckpoint(t *testing.T) {
	exec := &scriptedExec{errs: []error{Structural(recovery.ErrClassStateCorruption, errors.New("account drift")), nil}}
	p, key, _ := newTestPipeline(t, exec)

	out, _ := p.Process(context.Background(), signedInstruction(t, key, 1))
	sess, err := p.DriveRecovery(context.Background(), out.RecoverySessionID)
	if err != nil {
		t.Fatalf("drive recovery: %v", err)
	}
	// No checkpoint exists yet, so the reconstruction attempt fails and the
	// session stays in progress for another try.
	if sess.Status != recovery.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", sess.Status)
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor ran %d times, want 1 (no replay without a checkpoint)", exec.callCount())
	}
}

func TestManualInterventionParksSession(t *testing.T) {
	exec := &scriptedExec{errs: []error{Structural(recovery.ErrClassSecurityViolation, errors.New("unexpected signer"))}}
	p, key, _ := newTestPipeline(t, exec)

	out, _ := p.Process(context.Background(), signedInstruction(t, key, 1))
	sess, err := p.DriveRecovery(context.Background(), out.RecoverySessionID)
	if err != nil {
		t.Fatalf("drive recovery: %v", err)
	}
	if sess.Status != recovery.StatusRequiresManualIntervention {
		t.Fatalf("status = %s, want requires_manual_intervention", sess.Status)
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor ran %d times, want 1 (no automated replay)", exec.callCount())
	}
}

func TestProcessOutbound(t *testing.T) {
	exec := &scriptedExec{}
	p, _, _ := newTestPipeline(t, exec)

	out, err := p.ProcessOutbound(context.Background(), message.Outbound{
		DestChain: 1,
		Recipient: make([]byte, 20),
		GasLimit:  500_000,
	})
	if err != nil {
		t.Fatalf("process outbound: %v", err)
	}
	if out.Verdict != VerdictAccepted {
		t.Fatalf("verdict = %s, want accepted (%s)", out.Verdict, out.Reason)
	}

	out, _ = p.ProcessOutbound(context.Background(), message.Outbound{
		DestChain: 1,
		Recipient: make([]byte, 20),
		GasLimit:  1,
	})
	if out.Verdict != VerdictRejected {
		t.Fatalf("gas below floor: verdict = %s, want rejected", out.Verdict)
	}
}

// recordSink captures published events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordSink) Publish(event string, _ any) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordSink) has(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

func TestVerdictEventsPublished(t *testing.T) {
	exec := &scriptedExec{}
	p, key, _ := newTestPipeline(t, exec)
	sink := &recordSink{}
	p.events = sink

	if out, _ := p.Process(context.Background(), signedInstruction(t, key, 1)); out.Verdict != VerdictAccepted {
		t.Fatalf("verdict = %s, want accepted", out.Verdict)
	}
	if !sink.has("pipeline.verdict") {
		t.Fatal("expected a pipeline.verdict event")
	}
}

func TestClassifyDefaultsUnknownToTransient(t *testing.T) {
	class, reason, transient := classify(errors.New("mystery failure"))
	if !transient {
		t.Fatal("unclassified errors should be retryable")
	}
	if reason != retry.ReasonNetworkTimeout {
		t.Fatalf("reason = %s, want network timeout", reason)
	}
	if class != recovery.ErrClassNetworkTimeout {
		t.Fatalf("class = %s, want network_timeout", class)
	}
}

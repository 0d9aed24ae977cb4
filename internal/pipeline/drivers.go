package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/omnichainlabs/bridgeguard/internal/recovery"
	"github.com/omnichainlabs/bridgeguard/internal/retry"
	"github.com/omnichainlabs/bridgeguard/internal/traces"
)

// ErrUnknownOperation reports a retry or recovery session whose original
// instruction is no longer tracked by the pipeline.
var ErrUnknownOperation = errors.New("pipeline: operation not tracked")

// RetryExecutor adapts the pipeline's executor to the retry coordinator.
// Each attempt re-executes the original instruction and translates the
// failure into a retry reason.
type RetryExecutor struct {
	p *Pipeline
}

// NewRetryExecutor returns the executor to hand to retry.NewCoordinator.
func NewRetryExecutor(p *Pipeline) *RetryExecutor {
	return &RetryExecutor{p: p}
}

func (e *RetryExecutor) Execute(ctx context.Context, sess retry.Session) (retry.AttemptResult, error) {
	in, ok := e.p.pendingInstruction(sess.OperationRef)
	if !ok {
		return retry.AttemptResult{}, fmt.Errorf("%w: %s", ErrUnknownOperation, sess.OperationRef)
	}

	sig, err := e.p.exec.Execute(ctx, in)
	if err == nil {
		return retry.AttemptResult{Success: true, Signature: sig}, nil
	}
	_, reason, _ := classify(err)
	return retry.AttemptResult{FailureReason: reason}, nil
}

// DriveRetry executes one due retry attempt and settles the outcome with
// the breaker. A retry session that exhausts its budget escalates to the
// recovery manager automatically.
func (p *Pipeline) DriveRetry(ctx context.Context, sessionID string) (retry.Session, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.retry_attempt", traces.RetrySessionID(sessionID))
	defer span.End()

	res, err := p.retries.ExecuteAttempt(ctx, sessionID)
	if err != nil {
		return retry.Session{}, err
	}

	sess, err := p.retries.Session(sessionID)
	if err != nil {
		return retry.Session{}, err
	}

	switch sess.Status {
	case retry.StatusSuccessful:
		p.breaker.RecordSuccess()
		p.dropPending(sess.OperationRef)
		p.publish("retry.recovered", sess)
		p.log.Info("retry session recovered", "session", sess.ID, "signature", res.Signature)

	case retry.StatusFailed:
		p.breaker.RecordFailure()
		p.publish("retry.exhausted", sess)
		p.escalateRetry(sess)

	default:
		p.breaker.RecordFailure()
	}
	return sess, nil
}

// escalateRetry opens a recovery session for an operation the retry
// coordinator gave up on. The error class comes from the last observed
// failure reason.
func (p *Pipeline) escalateRetry(sess retry.Session) {
	in, ok := p.pendingInstruction(sess.OperationRef)
	if !ok {
		p.log.Error("exhausted retry session has no tracked instruction", "session", sess.ID)
		return
	}

	reason := retry.ReasonUnknown
	if n := len(sess.FailureReasons); n > 0 {
		reason = sess.FailureReasons[n-1]
	}
	rsess, err := p.recoveries.Initiate(classForReason(reason), recovery.OperationContext{
		OperationType:   "cross_chain_transfer",
		UserAddress:     in.Sender,
		TargetChain:     in.DestChain,
		FailedSignature: sess.OperationRef,
		FeesPaid:        estimateFees(in.GasLimit) + sess.TotalFeesSpent,
		ComputeUnits:    sess.TotalComputeUnits,
	})
	if err != nil {
		p.log.Error("recovery escalation refused", "session", sess.ID, "error", err)
		p.dropPending(sess.OperationRef)
		return
	}
	p.log.Info("retry exhaustion escalated to recovery",
		"retry_session", sess.ID, "recovery_session", rsess.ID, "strategy", rsess.Strategy.String())
	p.publish("recovery.initiated", rsess)
}

// DriveRecovery executes one recovery attempt and settles terminal
// sessions: successful recoveries clear the pending instruction, failed
// ones surface the compensation owed.
func (p *Pipeline) DriveRecovery(ctx context.Context, sessionID string) (recovery.Session, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.recovery_attempt", traces.RecoverySessionID(sessionID))
	defer span.End()

	recovered, err := p.recoveries.ExecuteAttempt(ctx, sessionID)
	if err != nil {
		return recovery.Session{}, err
	}

	sess, err := p.recoveries.Session(sessionID)
	if err != nil {
		return recovery.Session{}, err
	}

	switch {
	case recovered:
		p.breaker.RecordSuccess()
		p.dropPending(sess.Context.FailedSignature)
		p.publish("recovery.completed", sess)
		p.log.Info("recovery session completed", "session", sess.ID, "result", sess.Outcome.Result.String())

	case sess.Status == recovery.StatusFailed:
		p.breaker.RecordFailure()
		p.dropPending(sess.Context.FailedSignature)
		p.publish("recovery.completed", sess)
		p.log.Warn("recovery session exhausted", "session", sess.ID, "result", sess.Outcome.Result.String())

	case sess.Status == recovery.StatusRequiresManualIntervention:
		p.dropPending(sess.Context.FailedSignature)
		p.publish("recovery.manual", sess)
		p.log.Warn("recovery session parked for manual intervention", "session", sess.ID)
	}
	return sess, nil
}

// Runner executes recovery strategies against the pipeline's executor
// and checkpoint history. It runs without the manager's lock held.
type Runner struct {
	p *Pipeline
}

// NewRunner returns the strategy runner to hand to recovery.NewManager.
func NewRunner(p *Pipeline) *Runner {
	return &Runner{p: p}
}

func (r *Runner) Run(ctx context.Context, sess recovery.Session) (recovery.Report, error) {
	switch sess.Strategy {
	case recovery.StrategyExponentialBackoff,
		recovery.StrategyParameterAdjustment,
		recovery.StrategyAlternativeExecution,
		recovery.StrategyRollbackRetry:
		return r.reexecute(ctx, sess)

	case recovery.StrategyStateReconstruction:
		return r.reconstruct(ctx, sess)

	case recovery.StrategyCompensatingTransaction:
		// The compensating path does not re-run the failed operation; the
		// manager settles the user from the session's fee record.
		return recovery.Report{Result: recovery.ActionPartialSuccess, ActionType: "compensate_user"}, nil

	case recovery.StrategyGracefulDegradation:
		return recovery.Report{Result: recovery.ActionPartialSuccess, ActionType: "degrade_service"}, nil

	default:
		return recovery.Report{}, fmt.Errorf("pipeline: no runner for strategy %s", sess.Strategy)
	}
}

func (r *Runner) reexecute(ctx context.Context, sess recovery.Session) (recovery.Report, error) {
	in, ok := r.p.pendingInstruction(sess.Context.FailedSignature)
	if !ok {
		return recovery.Report{}, fmt.Errorf("%w: %s", ErrUnknownOperation, sess.Context.FailedSignature)
	}
	if sess.Strategy == recovery.StrategyParameterAdjustment && in.GasLimit > 0 {
		// Adjusted replays run with a raised gas budget.
		in.GasLimit = min(in.GasLimit*120/100, 10_000_000)
	}

	sig, err := r.p.exec.Execute(ctx, in)
	if err != nil {
		return recovery.Report{Result: recovery.ActionFailed, ActionType: actionFor(sess.Strategy), NetworkRequests: 1}, nil
	}
	return recovery.Report{
		Result:          recovery.ActionSuccess,
		ActionType:      actionFor(sess.Strategy),
		NewSignature:    sig,
		NetworkRequests: 1,
	}, nil
}

// reconstruct restores state from the best validated checkpoint before
// replaying the operation. Without a usable checkpoint the attempt fails.
func (r *Runner) reconstruct(ctx context.Context, sess recovery.Session) (recovery.Report, error) {
	if r.p.checkpoints == nil {
		return recovery.Report{Result: recovery.ActionFailed, ActionType: "reconstruct_state"}, nil
	}
	cp, ok := r.p.checkpoints.BestForRecovery()
	if !ok {
		return recovery.Report{Result: recovery.ActionFailed, ActionType: "reconstruct_state"}, nil
	}
	r.p.log.Info("reconstructing state from checkpoint", "session", sess.ID, "checkpoint", cp.ID)

	rep, err := r.reexecute(ctx, sess)
	if err != nil {
		return rep, err
	}
	rep.ActionType = "reconstruct_state"
	return rep, nil
}

func actionFor(s recovery.Strategy) string {
	switch s {
	case recovery.StrategyParameterAdjustment:
		return "adjust_parameters"
	case recovery.StrategyAlternativeExecution:
		return "alternative_execution"
	case recovery.StrategyRollbackRetry:
		return "rollback_and_retry"
	default:
		return "retry_transaction"
	}
}

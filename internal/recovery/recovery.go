// Package recovery takes over when retries are exhausted or an error class
// bypasses retry entirely. A session picks a strategy from the error
// classification, executes bounded strategy attempts, and finalizes with an
// outcome and, on terminal failure, a compensation record derived from fees
// the failed operation already spent.
package recovery

import (
	"time"
)

// ErrorClass classifies the failure that triggered recovery.
type ErrorClass int

const (
	ErrClassTransactionFailed ErrorClass = iota
	ErrClassNetworkTimeout
	ErrClassInsufficientFunds
	ErrClassAccountNotFound
	ErrClassInvalidSignature
	ErrClassComputeExceeded
	ErrClassCrossChainTimeout
	ErrClassGatewayUnavailable
	ErrClassStateCorruption
	ErrClassConcurrencyConflict
	ErrClassSecurityViolation
	ErrClassSystemOverload
)

// String returns the error class name.
func (e ErrorClass) String() string {
	switch e {
	case ErrClassTransactionFailed:
		return "transaction_failed"
	case ErrClassNetworkTimeout:
		return "network_timeout"
	case ErrClassInsufficientFunds:
		return "insufficient_funds"
	case ErrClassAccountNotFound:
		return "account_not_found"
	case ErrClassInvalidSignature:
		return "invalid_signature"
	case ErrClassComputeExceeded:
		return "compute_exceeded"
	case ErrClassCrossChainTimeout:
		return "cross_chain_timeout"
	case ErrClassGatewayUnavailable:
		return "gateway_unavailable"
	case ErrClassStateCorruption:
		return "state_corruption"
	case ErrClassConcurrencyConflict:
		return "concurrency_conflict"
	case ErrClassSecurityViolation:
		return "security_violation"
	case ErrClassSystemOverload:
		return "system_overload"
	default:
		return "unknown"
	}
}

// Strategy is the recovery approach chosen for a session.
type Strategy int

const (
	StrategyExponentialBackoff Strategy = iota
	StrategyParameterAdjustment
	StrategyAlternativeExecution
	StrategyRollbackRetry
	StrategyCompensatingTransaction
	StrategyStateReconstruction
	StrategyManualIntervention
	StrategyGracefulDegradation
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyExponentialBackoff:
		return "exponential_backoff"
	case StrategyParameterAdjustment:
		return "parameter_adjustment"
	case StrategyAlternativeExecution:
		return "alternative_execution"
	case StrategyRollbackRetry:
		return "rollback_retry"
	case StrategyCompensatingTransaction:
		return "compensating_transaction"
	case StrategyStateReconstruction:
		return "state_reconstruction"
	case StrategyManualIntervention:
		return "manual_intervention"
	case StrategyGracefulDegradation:
		return "graceful_degradation"
	default:
		return "unknown"
	}
}

// Status is the recovery session lifecycle state.
type Status int

const (
	StatusInProgress Status = iota
	StatusSuccessful
	StatusFailed
	StatusRequiresManualIntervention
	StatusCancelled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusSuccessful:
		return "successful"
	case StatusFailed:
		return "failed"
	case StatusRequiresManualIntervention:
		return "requires_manual_intervention"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ActionResult grades one recovery action.
type ActionResult string

const (
	ActionSuccess        ActionResult = "success"
	ActionPartialSuccess ActionResult = "partial_success"
	ActionFailed         ActionResult = "failed"
	ActionSkipped        ActionResult = "skipped"
)

// Action records one strategy-specific step taken during recovery.
type Action struct {
	Type         string       `json:"type"`
	Timestamp    time.Time    `json:"timestamp"`
	Parameters   string       `json:"parameters"`
	Result       ActionResult `json:"result"`
	ComputeUnits uint64       `json:"computeUnits"`
}

// Result is the terminal classification of a completed session.
type Result int

const (
	FullRecovery Result = iota
	PartialRecovery
	CompensatedFailure
	UnrecoverableFailure
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case FullRecovery:
		return "full_recovery"
	case PartialRecovery:
		return "partial_recovery"
	case CompensatedFailure:
		return "compensated_failure"
	case UnrecoverableFailure:
		return "unrecoverable_failure"
	default:
		return "unknown"
	}
}

// CompensationType names the form of user compensation.
type CompensationType string

const (
	CompFeeRefund     CompensationType = "fee_refund"
	CompServiceCredit CompensationType = "service_credit"
	CompToken         CompensationType = "token_compensation"
)

// Compensation is what the user is owed after a terminal outcome. Amounts
// always derive from fees the original operation already spent.
type Compensation struct {
	Type   CompensationType `json:"type"`
	Amount uint64           `json:"amount"`
	Reason string           `json:"reason"`
}

// Outcome is attached to a session on completion.
type Outcome struct {
	Result         Result        `json:"result"`
	NewSignature   string        `json:"newSignature,omitempty"`
	Compensation   *Compensation `json:"compensation,omitempty"`
	LessonsLearned string        `json:"lessonsLearned"`
}

// ResourceUsage accumulates what a recovery session cost.
type ResourceUsage struct {
	ComputeUnits    uint64        `json:"computeUnits"`
	FeesSpent       uint64        `json:"feesSpent"`
	Duration        time.Duration `json:"duration"`
	NetworkRequests uint32        `json:"networkRequests"`
}

// OperationContext describes the failed operation recovery is acting for.
type OperationContext struct {
	OperationType   string `json:"operationType"`
	UserAddress     []byte `json:"userAddress"`
	TokenRef        string `json:"tokenRef,omitempty"`
	TargetChain     uint64 `json:"targetChain,omitempty"`
	FailedSignature string `json:"failedSignature,omitempty"`
	ComputeUnits    uint64 `json:"computeUnits"`
	FeesPaid        uint64 `json:"feesPaid"`
}

// Session tracks one recovery lifecycle.
type Session struct {
	ID          string           `json:"id"`
	ErrorClass  ErrorClass       `json:"errorClass"`
	Strategy    Strategy         `json:"strategy"`
	Context     OperationContext `json:"context"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"maxAttempts"`
	Status      Status           `json:"status"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Actions     []Action         `json:"actions"`
	Outcome     *Outcome         `json:"outcome,omitempty"`
	Resources   ResourceUsage    `json:"resources"`
}

func (s *Session) clone() Session {
	out := *s
	out.Actions = append([]Action(nil), s.Actions...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Outcome != nil {
		o := *s.Outcome
		if s.Outcome.Compensation != nil {
			comp := *s.Outcome.Compensation
			o.Compensation = &comp
		}
		out.Outcome = &o
	}
	return out
}

// strategyFor maps an error class to its recovery strategy. A failed
// transaction that already burned heavy compute gets parameter adjustment
// instead of plain backoff.
func strategyFor(class ErrorClass, ctx OperationContext) Strategy {
	switch class {
	case ErrClassTransactionFailed:
		if ctx.ComputeUnits > 150_000 {
			return StrategyParameterAdjustment
		}
		return StrategyExponentialBackoff
	case ErrClassNetworkTimeout:
		return StrategyExponentialBackoff
	case ErrClassInsufficientFunds:
		return StrategyCompensatingTransaction
	case ErrClassComputeExceeded:
		return StrategyParameterAdjustment
	case ErrClassCrossChainTimeout:
		return StrategyAlternativeExecution
	case ErrClassGatewayUnavailable, ErrClassSystemOverload:
		return StrategyGracefulDegradation
	case ErrClassStateCorruption:
		return StrategyStateReconstruction
	case ErrClassConcurrencyConflict:
		return StrategyRollbackRetry
	case ErrClassSecurityViolation, ErrClassInvalidSignature:
		return StrategyManualIntervention
	default:
		return StrategyExponentialBackoff
	}
}

// maxAttemptsFor returns the attempt budget for an error class. Aggressive
// mode doubles it, capped at 10.
func maxAttemptsFor(class ErrorClass, aggressive bool) int {
	var base int
	switch class {
	case ErrClassNetworkTimeout:
		base = 5
	case ErrClassTransactionFailed:
		base = 3
	case ErrClassComputeExceeded:
		base = 2
	case ErrClassCrossChainTimeout:
		base = 4
	case ErrClassSecurityViolation:
		base = 1
	default:
		base = 3
	}
	if aggressive {
		base *= 2
		if base > 10 {
			base = 10
		}
	}
	return base
}

// compensationFor derives compensation from the result and the fees the
// original operation actually paid.
func compensationFor(result Result, ctx OperationContext) *Compensation {
	switch result {
	case PartialRecovery:
		return &Compensation{
			Type:   CompServiceCredit,
			Amount: ctx.FeesPaid / 2,
			Reason: "partial service disruption",
		}
	case CompensatedFailure:
		return &Compensation{
			Type:   CompFeeRefund,
			Amount: ctx.FeesPaid,
			Reason: "operation failed despite recovery attempts",
		}
	case UnrecoverableFailure:
		return &Compensation{
			Type:   CompToken,
			Amount: ctx.FeesPaid * 2,
			Reason: "unrecoverable system failure",
		}
	default:
		return nil
	}
}

// lessonsFor returns the advisory operational note for an error class. This
// is feedback text only and never drives control flow.
func lessonsFor(class ErrorClass) string {
	switch class {
	case ErrClassComputeExceeded:
		return "consider dynamic compute limit adjustment"
	case ErrClassNetworkTimeout:
		return "evaluate network reliability and add redundant endpoints"
	case ErrClassCrossChainTimeout:
		return "optimize cross-chain message routing and timeouts"
	case ErrClassStateCorruption:
		return "increase state validation and checkpoint frequency"
	default:
		return "continue monitoring for pattern recognition"
	}
}

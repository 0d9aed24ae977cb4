package pipeline

import (
	"errors"
	"fmt"

	"github.com/omnichainlabs/bridgeguard/internal/recovery"
	"github.com/omnichainlabs/bridgeguard/internal/retry"
)

// ExecError classifies an execution failure. Transient failures carry a
// retry reason and go to the retry coordinator; structural failures carry
// only an error class and route straight to recovery.
type ExecError struct {
	Class  recovery.ErrorClass
	Reason retry.FailureReason // ReasonUnknown for structural failures
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execute (%s): %v", e.Class, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Transient wraps an execution error that is eligible for retry.
func Transient(reason retry.FailureReason, err error) error {
	return &ExecError{Class: classForReason(reason), Reason: reason, Err: err}
}

// Structural wraps an execution error that bypasses retry and goes straight
// to the recovery manager.
func Structural(class recovery.ErrorClass, err error) error {
	return &ExecError{Class: class, Err: err}
}

// classify extracts the classification from an execution error. Unknown
// errors default to a retryable network timeout, the least destructive
// assumption.
func classify(err error) (recovery.ErrorClass, retry.FailureReason, bool) {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Class, ee.Reason, ee.Reason != retry.ReasonUnknown
	}
	return recovery.ErrClassNetworkTimeout, retry.ReasonNetworkTimeout, true
}

func classForReason(reason retry.FailureReason) recovery.ErrorClass {
	switch reason {
	case retry.ReasonNetworkTimeout:
		return recovery.ErrClassNetworkTimeout
	case retry.ReasonInsufficientComputeUnits:
		return recovery.ErrClassComputeExceeded
	case retry.ReasonNodeOverloaded:
		return recovery.ErrClassSystemOverload
	case retry.ReasonInsufficientFunds:
		return recovery.ErrClassInsufficientFunds
	case retry.ReasonAccountNotFound:
		return recovery.ErrClassAccountNotFound
	default:
		return recovery.ErrClassTransactionFailed
	}
}

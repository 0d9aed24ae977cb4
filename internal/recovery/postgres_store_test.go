package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnichainlabs/bridgeguard/internal/testutil"
)

func TestPostgresStoreUpsert(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	sess := Session{
		ID:         "rcv_test1",
		ErrorClass: ErrClassInsufficientFunds,
		Strategy:   StrategyCompensatingTransaction,
		Status:     StatusInProgress,
		Attempts:   1,
		MaxAttempts: 3,
		Context: OperationContext{
			OperationType:   "cross_chain_transfer",
			UserAddress:     []byte{0xAA, 0xBB},
			FailedSignature: "op_123",
			FeesPaid:        5000,
		},
		StartedAt: started,
		Actions: []Action{
			{Type: "compensate_user", Timestamp: started, Result: ActionPartialSuccess},
		},
		Resources: ResourceUsage{ComputeUnits: 200_000, FeesSpent: 5000, NetworkRequests: 2},
	}
	require.NoError(t, store.Record(ctx, sess))

	// Re-recording the same id updates in place.
	completed := started.Add(time.Second)
	sess.Status = StatusFailed
	sess.Attempts = 2
	sess.CompletedAt = &completed
	sess.Outcome = &Outcome{
		Result:       CompensatedFailure,
		Compensation: &Compensation{Type: CompFeeRefund, Amount: 5000, Reason: "insufficient funds"},
	}
	require.NoError(t, store.Record(ctx, sess))

	got, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, "rcv_test1", got[0].ID)
	assert.Equal(t, ErrClassInsufficientFunds, got[0].ErrorClass)
	assert.Equal(t, StrategyCompensatingTransaction, got[0].Strategy)
	assert.Equal(t, StatusFailed, got[0].Status)
	assert.Equal(t, 2, got[0].Attempts)
	require.NotNil(t, got[0].CompletedAt)
	require.NotNil(t, got[0].Outcome)
	assert.Equal(t, CompensatedFailure, got[0].Outcome.Result)
	require.NotNil(t, got[0].Outcome.Compensation)
	assert.Equal(t, uint64(5000), got[0].Outcome.Compensation.Amount)
	assert.Equal(t, uint64(200_000), got[0].Resources.ComputeUnits)
	require.Len(t, got[0].Actions, 1)
	assert.Equal(t, "compensate_user", got[0].Actions[0].Type)
}

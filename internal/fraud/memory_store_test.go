package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RecordAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 5; i++ {
		err := store.Record(ctx, &Assessment{
			ID:             fmt.Sprintf("fra_%d", i),
			UserHash:       7,
			RiskScore:      uint16(i * 100),
			Recommendation: RecommendAllow,
			Factors:        map[string]uint16{"velocity": uint16(i)},
			AnalyzedAt:     time.Now(),
		})
		require.NoError(t, err)
	}

	got, err := store.ListByUser(ctx, 7, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Most recent first.
	assert.Equal(t, "fra_4", got[0].ID)
	assert.Equal(t, "fra_2", got[2].ID)
}

func TestMemoryStore_UnknownUser(t *testing.T) {
	store := NewMemoryStore()
	got, err := store.ListByUser(context.Background(), 99, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_CopiesFactors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	factors := map[string]uint16{"velocity": 50}
	require.NoError(t, store.Record(ctx, &Assessment{ID: "fra_a", UserHash: 1, Factors: factors}))

	// Mutating the caller's map must not change the stored record.
	factors["velocity"] = 999

	got, err := store.ListByUser(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint16(50), got[0].Factors["velocity"])
}

package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnichainlabs/bridgeguard/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		a := &Assessment{
			ID:             "fa_" + string(rune('a'+i)),
			UserHash:       0x01020304,
			SourceChain:    7000,
			DestChain:      1,
			RiskScore:      uint16(100 * (i + 1)),
			Recommendation: RecommendMonitor,
			PatternCount:   uint16(i),
			Factors:        map[string]uint16{"velocity": uint16(i * 10)},
			AnalyzedAt:     base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Record(ctx, a))
	}

	got, err := store.ListByUser(ctx, 0x01020304, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Most recent first.
	assert.Equal(t, uint16(300), got[0].RiskScore)
	assert.Equal(t, uint16(200), got[1].RiskScore)
	assert.Equal(t, RecommendMonitor, got[0].Recommendation)
	assert.Equal(t, uint16(20), got[0].Factors["velocity"])

	none, err := store.ListByUser(ctx, 0xDEADBEEF, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

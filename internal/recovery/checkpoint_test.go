package recovery

import (
	"testing"
	"time"
)

func newTestCheckpointer(interval time.Duration, freq uint32) (*Checkpointer, *time.Time) {
	c := NewCheckpointer(interval, freq)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &t0
	c.now = func() time.Time { return *clock }
	c.lastCheckpoint = t0
	return c, clock
}

func TestShouldCheckpointAfterInterval(t *testing.T) {
	c, clock := newTestCheckpointer(time.Hour, 0)

	if c.ShouldCheckpoint() {
		t.Fatal("fresh checkpointer must not need a checkpoint")
	}
	*clock = clock.Add(time.Hour)
	if !c.ShouldCheckpoint() {
		t.Fatal("interval elapsed, checkpoint expected")
	}

	c.Create(CheckpointPeriodic, StateMetrics{IntegrityScore: 100})
	if c.ShouldCheckpoint() {
		t.Fatal("just checkpointed, none expected")
	}
}

func TestValidationStatusBuckets(t *testing.T) {
	cases := []struct {
		score uint8
		want  ValidationStatus
	}{
		{100, StateValid},
		{95, StateValid},
		{94, StateCorruptedMinor},
		{80, StateCorruptedMinor},
		{79, StateCorruptedMajor},
		{50, StateCorruptedMajor},
		{49, StateInconsistent},
		{0, StateInconsistent},
	}
	for _, tc := range cases {
		if got := validateState(StateMetrics{IntegrityScore: tc.score}); got != tc.want {
			t.Fatalf("validateState(score=%d) = %v, want %v", tc.score, got, tc.want)
		}
	}
}

func TestRecoveryPriorityByType(t *testing.T) {
	if priorityFor(CheckpointEmergency) != 100 {
		t.Fatal("emergency must have top priority")
	}
	if priorityFor(CheckpointPostOperation) <= priorityFor(CheckpointPreOperation) {
		t.Fatal("post-operation outranks pre-operation")
	}
	if priorityFor(CheckpointPeriodic) != 50 {
		t.Fatal("periodic priority must be 50")
	}
}

func TestRecordOperationTriggersValidation(t *testing.T) {
	c, _ := newTestCheckpointer(time.Hour, 3)

	if c.RecordOperation() || c.RecordOperation() {
		t.Fatal("validation must not trigger before the frequency")
	}
	if !c.RecordOperation() {
		t.Fatal("third operation must trigger validation")
	}
	// Counter reset, cycle repeats.
	if c.RecordOperation() {
		t.Fatal("counter must reset after validation")
	}
}

func TestBestForRecoveryPrefersValidHighPriority(t *testing.T) {
	c, clock := newTestCheckpointer(time.Hour, 0)

	c.Create(CheckpointPeriodic, StateMetrics{IntegrityScore: 100})
	*clock = clock.Add(time.Minute)
	c.Create(CheckpointEmergency, StateMetrics{IntegrityScore: 40}) // inconsistent
	*clock = clock.Add(time.Minute)
	valid := c.Create(CheckpointPostOperation, StateMetrics{IntegrityScore: 97})

	best, ok := c.BestForRecovery()
	if !ok {
		t.Fatal("expected a checkpoint")
	}
	if best.ID != valid.ID {
		t.Fatalf("best = %d (%s), want %d (valid post-operation)", best.ID, best.Type, valid.ID)
	}
}

func TestBestForRecoveryFallsBackToLatest(t *testing.T) {
	c, _ := newTestCheckpointer(time.Hour, 0)
	c.Create(CheckpointPeriodic, StateMetrics{IntegrityScore: 10})
	last := c.Create(CheckpointPeriodic, StateMetrics{IntegrityScore: 20})

	best, ok := c.BestForRecovery()
	if !ok || best.ID != last.ID {
		t.Fatalf("best = %+v, want latest checkpoint %d", best, last.ID)
	}
}

func TestHistoryBounded(t *testing.T) {
	c, _ := newTestCheckpointer(time.Hour, 0)
	for i := 0; i < keptCheckpoints+5; i++ {
		c.Create(CheckpointPeriodic, StateMetrics{IntegrityScore: 100})
	}
	if len(c.history) != keptCheckpoints {
		t.Fatalf("history = %d entries, want %d", len(c.history), keptCheckpoints)
	}
	if c.Total() != uint64(keptCheckpoints+5) {
		t.Fatalf("total = %d, want %d", c.Total(), keptCheckpoints+5)
	}
}

func TestStateHashSensitivity(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := StateMetrics{TotalTokens: 10, ActiveTransfers: 2, UniqueUsers: 5, IntegrityScore: 100}

	h1 := stateHash(base, at)
	if h2 := stateHash(base, at); h1 != h2 {
		t.Fatal("state hash must be deterministic")
	}
	changed := base
	changed.TotalTokens = 11
	if stateHash(changed, at) == h1 {
		t.Fatal("state hash must change with metrics")
	}
	if stateHash(base, at.Add(time.Second)) == h1 {
		t.Fatal("state hash must change with time")
	}
}

package fraud

import (
	"context"
	"sync"
	"time"

	"github.com/omnichainlabs/bridgeguard/internal/idgen"
)

// ringSize is the fixed capacity of the fingerprint buffer. Old entries are
// overwritten in place; the buffer never grows.
const ringSize = 20

// Factor weights, in percent. They sum to 100.
const (
	weightVelocity   = 25
	weightChainPair  = 20
	weightValue      = 15
	weightTemporal   = 10
	weightBehavior   = 15
	weightRoute      = 10
	weightReputation = 5
)

// fingerprint is one slot of the ring buffer: a compact trace of a scored
// operation, never persisted beyond the buffer.
type fingerprint struct {
	opType    OperationType
	timestamp time.Time
	srcChain  uint64
	dstChain  uint64
	valueHash uint32
	userHash  uint32
	riskScore uint16
}

// Engine maintains the ring buffer and the EMA risk score. All state is
// owned by the engine and serialized behind one mutex; Analyze calls from
// concurrent instructions never lose updates.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	ring     [ringSize]fingerprint
	ringIdx  int
	total    uint64
	patterns uint64
	score    uint16
	lastRun  time.Time
	store    Store
	now      func() time.Time
}

// NewEngine creates a fraud engine with the given config. Zero-valued config
// fields fall back to defaults. The store, if non-nil, receives a
// best-effort assessment per analysis.
func NewEngine(cfg Config, store Store) *Engine {
	def := DefaultConfig()
	if cfg.RiskThreshold == 0 {
		cfg.RiskThreshold = def.RiskThreshold
	}
	if cfg.AnalysisWindow == 0 {
		cfg.AnalysisWindow = def.AnalysisWindow
	}
	if cfg.VelocityThreshold == 0 {
		cfg.VelocityThreshold = def.VelocityThreshold
	}
	if cfg.MinReputation == 0 {
		cfg.MinReputation = def.MinReputation
	}
	if cfg.GeoRiskMultiplier == 0 {
		cfg.GeoRiskMultiplier = def.GeoRiskMultiplier
	}
	if cfg.DeniedChains == nil {
		cfg.DeniedChains = def.DeniedChains
	}
	return &Engine{cfg: cfg, store: store, now: time.Now}
}

// Config returns the engine's current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig swaps the tunable thresholds. History and the EMA score carry over.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Reset clears the ring buffer and the persistent risk score. Only an
// explicit authority action should reach this.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.ring = [ringSize]fingerprint{}
	e.ringIdx = 0
	e.score = 0
	e.patterns = 0
	e.total = 0
	e.mu.Unlock()
}

// Analyze fingerprints the operation, computes the weighted risk score, runs
// the pattern detectors, and updates the EMA. The returned analysis reflects
// the instantaneous score, not the EMA.
func (e *Engine) Analyze(ctx context.Context, op Operation) Analysis {
	e.mu.Lock()

	now := e.now()
	fp := fingerprint{
		opType:    op.Type,
		timestamp: now,
		srcChain:  op.SourceChain,
		dstChain:  op.DestChain,
		valueHash: hashValue(op.Value),
		userHash:  HashAddress(op.UserAddress),
	}
	e.ring[e.ringIdx] = fp
	e.ringIdx = (e.ringIdx + 1) % ringSize
	e.total++

	factors := map[string]uint16{
		"velocity":      e.velocityRisk(now),
		"chain_pair":    e.chainPairRisk(op.SourceChain, op.DestChain),
		"value_pattern": valuePatternRisk(op.Value),
		"temporal":      temporalRisk(now),
		"behavior":      e.behaviorRisk(fp.userHash),
		"route":         routeRisk(op.RouteHops),
		"reputation":    e.reputationRisk(op.Reputation),
	}

	score := weightedRisk(factors)
	e.ring[(e.ringIdx+ringSize-1)%ringSize].riskScore = score

	// EMA: 30% newest sample, 70% history.
	e.score = uint16((uint32(e.score)*70 + uint32(score)*30) / 100)

	detected := e.detectPatterns(now)
	e.patterns += uint64(detected)
	e.lastRun = now

	result := Analysis{
		RiskScore:      score,
		Suspicious:     score > e.cfg.RiskThreshold,
		PatternCount:   detected,
		Recommendation: recommendFor(score),
		Confidence:     e.confidence(),
		Factors:        factors,
	}
	userHash := fp.userHash
	e.mu.Unlock()

	if e.store != nil {
		a := &Assessment{
			ID:             idgen.WithPrefix("fra_"),
			UserHash:       userHash,
			SourceChain:    op.SourceChain,
			DestChain:      op.DestChain,
			RiskScore:      result.RiskScore,
			Recommendation: result.Recommendation,
			PatternCount:   result.PatternCount,
			Factors:        factors,
			AnalyzedAt:     now,
		}
		// Best-effort audit trail; analysis never blocks on storage.
		go func() { _ = e.store.Record(context.WithoutCancel(ctx), a) }()
	}

	return result
}

// Stats returns engine counters. Calling it has no side effects.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		RiskScore:          e.score,
		SuspiciousPatterns: e.patterns,
		TotalOperations:    e.total,
		LastAnalysis:       e.lastRun,
	}
}

// velocityRisk scores operation frequency over the last minute.
// Caller holds e.mu.
func (e *Engine) velocityRisk(now time.Time) uint16 {
	cutoff := now.Add(-time.Minute)
	count := uint16(0)
	for _, fp := range e.ring {
		if !fp.timestamp.IsZero() && fp.timestamp.After(cutoff) {
			count++
		}
	}
	if count <= e.cfg.VelocityThreshold {
		return 0
	}
	return capRisk((count-e.cfg.VelocityThreshold)*50, 500)
}

// chainPairRisk penalizes denylisted endpoints and unusual chain pairings.
func (e *Engine) chainPairRisk(src, dst uint64) uint16 {
	risk := uint16(0)
	for _, denied := range e.cfg.DeniedChains {
		if src == denied {
			risk += 200
		}
		if dst == denied {
			risk += 200
		}
	}
	risk += pairCombinationRisk(src, dst)
	return capRisk(risk, 500)
}

// pairCombinationRisk scores the specific source/destination pairing.
// Known corridors carry a small baseline; anything else is unusual.
func pairCombinationRisk(src, dst uint64) uint16 {
	type pair struct{ a, b uint64 }
	p := pair{src, dst}
	if p.a > p.b {
		p.a, p.b = p.b, p.a
	}
	switch p {
	case pair{1, 900}, pair{56, 900}:
		return 50
	case pair{900, 7000}:
		return 30
	default:
		return 100
	}
}

// valuePatternRisk flags amounts characteristic of laundering and probing.
func valuePatternRisk(value uint64) uint16 {
	risk := uint16(0)
	if value > 0 && value%1_000_000 == 0 {
		risk += 100 // round numbers
	}
	if value > 1_000_000_000_000 {
		risk += 200 // implausibly large
	}
	if value == 1337 || value == 69420 {
		risk += 150 // meme amounts used by probes
	}
	return capRisk(risk, 300)
}

// temporalRisk buckets risk by UTC hour. The 02:00-05:00 window sees the
// least legitimate traffic.
func temporalRisk(now time.Time) uint16 {
	switch hour := now.UTC().Hour(); {
	case hour >= 2 && hour <= 5:
		return 100
	case hour == 6 || hour == 7 || hour == 23 || hour <= 1:
		return 50
	default:
		return 0
	}
}

// behaviorRisk scales with repeated operations by the same user in the
// buffer. Caller holds e.mu.
func (e *Engine) behaviorRisk(userHash uint32) uint16 {
	count := uint16(0)
	for _, fp := range e.ring {
		if !fp.timestamp.IsZero() && fp.userHash == userHash {
			count++
		}
	}
	if count <= 5 {
		return 0
	}
	return (count - 5) * 50
}

// routeRisk penalizes multi-hop routing.
func routeRisk(hops uint8) uint16 {
	if hops == 0 {
		hops = 1
	}
	switch hops {
	case 1:
		return 0
	case 2:
		return 50
	case 3:
		return 150
	default:
		return 300
	}
}

// reputationRisk scores the shortfall below the reputation floor; unknown
// reputation carries a flat penalty.
func (e *Engine) reputationRisk(rep *uint16) uint16 {
	if rep == nil {
		return 200
	}
	if *rep >= e.cfg.MinReputation {
		return 0
	}
	return capRisk(e.cfg.MinReputation-*rep, 400)
}

// weightedRisk blends the seven factors by their fixed percentage weights.
func weightedRisk(factors map[string]uint16) uint16 {
	weights := map[string]uint32{
		"velocity":      weightVelocity,
		"chain_pair":    weightChainPair,
		"value_pattern": weightValue,
		"temporal":      weightTemporal,
		"behavior":      weightBehavior,
		"route":         weightRoute,
		"reputation":    weightReputation,
	}
	var sum, total uint32
	for name, risk := range factors {
		w := weights[name]
		sum += uint32(risk) * w
		total += w
	}
	if total == 0 {
		return 0
	}
	score := sum / total
	if score > 1000 {
		score = 1000
	}
	return uint16(score)
}

// detectPatterns runs the four buffer-wide detectors and returns how many
// fired. Caller holds e.mu.
func (e *Engine) detectPatterns(now time.Time) uint16 {
	detected := uint16(0)
	if e.detectRapidFire(now) {
		detected++
	}
	if e.detectCircularRouting() {
		detected++
	}
	if e.detectValueSplitting() {
		detected++
	}
	if e.detectChainHopping() {
		detected++
	}
	return detected
}

// detectRapidFire fires on 10 or more operations inside one minute.
func (e *Engine) detectRapidFire(now time.Time) bool {
	cutoff := now.Add(-time.Minute)
	count := 0
	for _, fp := range e.ring {
		if !fp.timestamp.IsZero() && fp.timestamp.After(cutoff) {
			count++
		}
	}
	return count >= 10
}

// detectCircularRouting looks for an A→B ... B→A round trip by one user
// within three adjacent buffer slots.
func (e *Engine) detectCircularRouting() bool {
	for i := 0; i+2 < ringSize; i++ {
		a, b, c := e.ring[i], e.ring[i+1], e.ring[i+2]
		if a.timestamp.IsZero() || b.timestamp.IsZero() || c.timestamp.IsZero() {
			continue
		}
		if a.userHash == b.userHash && b.userHash == c.userHash &&
			a.srcChain == c.dstChain && a.dstChain == c.srcChain {
			return true
		}
	}
	return false
}

// detectValueSplitting fires when five or more buffer entries share a value
// hash, the signature of one amount split across operations.
func (e *Engine) detectValueSplitting() bool {
	counts := make(map[uint32]int, ringSize)
	for _, fp := range e.ring {
		if fp.timestamp.IsZero() {
			continue
		}
		counts[fp.valueHash]++
		if counts[fp.valueHash] >= 5 {
			return true
		}
	}
	return false
}

// detectChainHopping counts adjacent transitions whose chains do not line
// up: the destination of one operation is not the source of the next.
func (e *Engine) detectChainHopping() bool {
	switches := 0
	for i := 0; i+1 < ringSize; i++ {
		a, b := e.ring[i], e.ring[i+1]
		if a.timestamp.IsZero() || b.timestamp.IsZero() {
			continue
		}
		if a.dstChain != b.srcChain {
			switches++
		}
	}
	return switches >= 5
}

// confidence grows with operations analyzed and patterns seen, capped at
// 100. Caller holds e.mu.
func (e *Engine) confidence() uint8 {
	ops := e.total
	if ops > 100 {
		ops = 100
	}
	pats := e.patterns
	if pats > 10 {
		pats = 10
	}
	c := ops*80/100 + pats*20/10
	if c > 100 {
		c = 100
	}
	return uint8(c)
}

func capRisk(v, limit uint16) uint16 {
	if v > limit {
		return limit
	}
	return v
}

// hashValue folds a 64-bit amount into 32 bits for splitting detection.
func hashValue(value uint64) uint32 {
	return uint32(value>>32) ^ uint32(value)
}

// HashAddress folds the first four address bytes into a 32-bit tag. Enough
// to correlate a user inside a 20-slot window without storing the address.
func HashAddress(addr []byte) uint32 {
	var h uint32
	for i := 0; i < len(addr) && i < 4; i++ {
		h ^= uint32(addr[i]) << (i * 8)
	}
	return h
}

// Package pipeline runs the resilience control flow for cross-chain
// instructions: admission through the circuit breaker, signature
// verification, fraud analysis, execution, and failure handoff to the retry
// coordinator or the recovery manager. Every instruction produces exactly
// one terminal verdict.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/omnichainlabs/bridgeguard/internal/circuitbreaker"
	"github.com/omnichainlabs/bridgeguard/internal/fraud"
	"github.com/omnichainlabs/bridgeguard/internal/idgen"
	"github.com/omnichainlabs/bridgeguard/internal/message"
	"github.com/omnichainlabs/bridgeguard/internal/recovery"
	"github.com/omnichainlabs/bridgeguard/internal/retry"
	"github.com/omnichainlabs/bridgeguard/internal/signature"
	"github.com/omnichainlabs/bridgeguard/internal/traces"
)

// Verdict is the single terminal answer per instruction.
type Verdict string

const (
	VerdictAccepted        Verdict = "accepted"
	VerdictRejected        Verdict = "rejected"
	VerdictPendingRecovery Verdict = "pending_recovery"
)

var pipelineVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bridgeguard",
	Subsystem: "pipeline",
	Name:      "verdicts_total",
	Help:      "Terminal pipeline verdicts by verdict and rejection reason.",
}, []string{"verdict", "reason"})

func init() {
	prometheus.MustRegister(pipelineVerdicts)
}

// Instruction is one inbound cross-chain transfer submission.
type Instruction struct {
	Sender      []byte  `json:"sender"`
	SourceChain uint64  `json:"sourceChain"`
	DestChain   uint64  `json:"destChain"`
	Recipient   []byte  `json:"recipient"`
	Amount      uint64  `json:"amount"`
	Payload     []byte  `json:"payload"`
	Nonce       uint64  `json:"nonce"`
	Signature   [64]byte `json:"signature"`
	RecoveryID  byte    `json:"recoveryId"`
	GasLimit    uint64  `json:"gasLimit"`
	RouteHops   uint8   `json:"routeHops"`
	Reputation  *uint16 `json:"reputation,omitempty"`
}

// Outcome is what the caller gets back for one instruction.
type Outcome struct {
	ID                string                 `json:"id"`
	Verdict           Verdict                `json:"verdict"`
	Reason            string                 `json:"reason,omitempty"`
	Signature         string                 `json:"signature,omitempty"`
	RiskScore         uint16                 `json:"riskScore"`
	Recommendation    fraud.Recommendation   `json:"recommendation,omitempty"`
	RetrySessionID    string                 `json:"retrySessionId,omitempty"`
	RecoverySessionID string                 `json:"recoverySessionId,omitempty"`
	Compensation      *recovery.Compensation `json:"compensation,omitempty"`
}

// Executor carries out the actual cross-chain execution of an admitted
// instruction and returns the resulting transaction signature. Failures
// should be wrapped with Transient or Structural for classification.
type Executor interface {
	Execute(ctx context.Context, in Instruction) (string, error)
}

// EventSink receives pipeline events for the realtime stream. Publishing
// must not block.
type EventSink interface {
	Publish(event string, data any)
}

// Pipeline wires the five resilience components into one control flow.
type Pipeline struct {
	breaker     *circuitbreaker.Breaker
	verifier    *signature.Verifier
	engine      *fraud.Engine
	retries     *retry.Coordinator
	recoveries  *recovery.Manager
	checkpoints *recovery.Checkpointer
	exec        Executor
	events      EventSink
	log         *slog.Logger

	mu      sync.Mutex
	pending map[string]Instruction // instructions awaiting retry/recovery
	stats   Stats
}

// Stats is the pipeline-level telemetry snapshot.
type Stats struct {
	Accepted        uint64 `json:"accepted"`
	Rejected        uint64 `json:"rejected"`
	PendingRecovery uint64 `json:"pendingRecovery"`
	InFlight        int    `json:"inFlight"`
}

// Deps bundles the pipeline's collaborators. The retry coordinator and
// recovery manager are built by New because their executor and strategy
// runner close over the pipeline itself.
type Deps struct {
	Breaker          *circuitbreaker.Breaker
	Verifier         *signature.Verifier
	Engine           *fraud.Engine
	RetryConfig      retry.Config
	MaxRetrySessions int
	RecoveryConfig   recovery.Config
	RecoveryStore    recovery.Store // optional
	Checkpoints      *recovery.Checkpointer
	Executor         Executor
	Events           EventSink // optional
	Logger           *slog.Logger
}

// New assembles a pipeline. Breaker, Verifier, Engine, and Executor are
// required; the rest default sensibly.
func New(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxRetrySessions <= 0 {
		d.MaxRetrySessions = 20
	}
	p := &Pipeline{
		breaker:     d.Breaker,
		verifier:    d.Verifier,
		engine:      d.Engine,
		checkpoints: d.Checkpoints,
		exec:        d.Executor,
		events:      d.Events,
		log:         d.Logger,
		pending:     make(map[string]Instruction),
	}
	p.retries = retry.NewCoordinator(NewRetryExecutor(p), d.RetryConfig, d.MaxRetrySessions)
	p.recoveries = recovery.NewManager(NewRunner(p), d.RecoveryStore, d.RecoveryConfig)
	return p
}

// Retries exposes the retry coordinator for stats and admin endpoints.
func (p *Pipeline) Retries() *retry.Coordinator { return p.retries }

// Recoveries exposes the recovery manager for stats and admin endpoints.
func (p *Pipeline) Recoveries() *recovery.Manager { return p.recoveries }

// Process runs one inbound instruction through the full pipeline. The
// returned Outcome is the terminal verdict; errors are reserved for
// internal malfunction, never for instruction rejection.
func (p *Pipeline) Process(ctx context.Context, in Instruction) (Outcome, error) {
	id := idgen.WithPrefix("op_")
	ctx, span := traces.StartSpan(ctx, "pipeline.process",
		traces.OperationID(id), traces.SourceChain(in.SourceChain), traces.DestChain(in.DestChain))
	defer span.End()
	log := p.log.With("operation", id, "source_chain", in.SourceChain, "dest_chain", in.DestChain)

	// Boundary validation runs before anything can mutate state.
	inbound := message.Inbound{Sender: in.Sender, SourceChain: in.SourceChain, Payload: in.Payload}
	if err := inbound.Validate(); err != nil {
		return p.reject(id, "invalid_instruction", err.Error()), nil
	}
	if in.DestChain != 0 && !message.SupportedChain(in.DestChain) {
		return p.reject(id, "invalid_instruction", "unsupported destination chain"), nil
	}

	// Admission. Circuit rejections are advisory to the caller; this layer
	// never retries them.
	if err := p.breaker.Allow(); err != nil {
		reason := "circuit_open"
		if errors.Is(err, circuitbreaker.ErrRateLimited) {
			reason = "rate_limited"
		}
		log.Warn("instruction refused admission", "reason", reason)
		return p.reject(id, reason, err.Error()), nil
	}

	// Authentication. Failures are fatal to the instruction and never
	// reported to the breaker: a forged message is not a pipeline failure.
	msg := signature.Message{
		Nonce:      in.Nonce,
		ChainID:    in.SourceChain,
		Recipient:  in.Recipient,
		Amount:     in.Amount,
		Payload:    in.Payload,
		Signature:  in.Signature,
		RecoveryID: in.RecoveryID,
	}
	if err := p.verifier.VerifyMessage(ctx, msg); err != nil {
		log.Warn("instruction failed authentication", "error", err)
		return p.reject(id, "authentication_failed", err.Error()), nil
	}

	// Fraud analysis. Only Block stops execution; everything else is a
	// policy signal passed through in the outcome.
	analysis := p.engine.Analyze(ctx, fraud.Operation{
		Type:        fraud.OpCrossChainTransfer,
		SourceChain: in.SourceChain,
		DestChain:   in.DestChain,
		Value:       in.Amount,
		UserAddress: in.Sender,
		Reputation:  in.Reputation,
		RouteHops:   in.RouteHops,
	})
	if analysis.Suspicious {
		p.publish("fraud.alert", analysis)
	}
	if analysis.Recommendation == fraud.RecommendBlock {
		log.Warn("instruction blocked by risk engine", "risk_score", analysis.RiskScore)
		out := p.reject(id, "fraud_block", "risk score exceeds block threshold")
		out.RiskScore = analysis.RiskScore
		out.Recommendation = analysis.Recommendation
		return out, nil
	}

	if p.checkpoints != nil && p.checkpoints.ShouldCheckpoint() {
		p.checkpoints.Create(recovery.CheckpointPreOperation, p.stateMetrics())
	}

	sig, err := p.exec.Execute(ctx, in)
	if err == nil {
		p.breaker.RecordSuccess()
		if p.checkpoints != nil {
			p.checkpoints.RecordOperation()
		}
		out := Outcome{
			ID:             id,
			Verdict:        VerdictAccepted,
			Signature:      sig,
			RiskScore:      analysis.RiskScore,
			Recommendation: analysis.Recommendation,
		}
		p.finishOutcome(out, "")
		return out, nil
	}

	p.breaker.RecordFailure()
	return p.handleFailure(id, in, analysis, err, log)
}

// ProcessOutbound validates and admits an outbound instruction. Execution
// of the outbound leg belongs to the relay, not this pipeline.
func (p *Pipeline) ProcessOutbound(_ context.Context, out message.Outbound) (Outcome, error) {
	id := idgen.WithPrefix("op_")
	if err := out.Validate(); err != nil {
		return p.reject(id, "invalid_instruction", err.Error()), nil
	}
	if err := p.breaker.Allow(); err != nil {
		reason := "circuit_open"
		if errors.Is(err, circuitbreaker.ErrRateLimited) {
			reason = "rate_limited"
		}
		return p.reject(id, reason, err.Error()), nil
	}
	o := Outcome{ID: id, Verdict: VerdictAccepted}
	p.finishOutcome(o, "")
	return o, nil
}

// handleFailure routes an execution failure to retry or recovery.
func (p *Pipeline) handleFailure(id string, in Instruction, analysis fraud.Analysis, execErr error, log *slog.Logger) (Outcome, error) {
	class, reason, transient := classify(execErr)

	out := Outcome{
		ID:             id,
		Verdict:        VerdictPendingRecovery,
		RiskScore:      analysis.RiskScore,
		Recommendation: analysis.Recommendation,
	}

	if transient {
		sess, err := p.retries.Schedule(id, reason, nil)
		if err == nil {
			p.trackPending(id, in)
			out.Reason = "transient failure, retry scheduled"
			out.RetrySessionID = sess.ID
			log.Info("retry session scheduled", "session", sess.ID, "reason", reason.String())
			p.finishOutcome(out, "")
			return out, nil
		}
		// Retry capacity exhausted; fall through to recovery as overload.
		log.Warn("retry capacity exhausted, escalating to recovery", "error", err)
		class = recovery.ErrClassSystemOverload
	}

	rsess, err := p.recoveries.Initiate(class, recovery.OperationContext{
		OperationType:   "cross_chain_transfer",
		UserAddress:     in.Sender,
		TargetChain:     in.DestChain,
		FailedSignature: id,
		FeesPaid:        estimateFees(in.GasLimit),
	})
	if err != nil {
		log.Error("recovery unavailable", "error", err)
		out = p.reject(id, "resilience_exhausted", err.Error())
		out.RiskScore = analysis.RiskScore
		out.Recommendation = analysis.Recommendation
		return out, nil
	}
	p.trackPending(id, in)
	out.Reason = "structural failure, recovery initiated"
	out.RecoverySessionID = rsess.ID
	log.Info("recovery session initiated", "session", rsess.ID, "class", class.String(), "strategy", rsess.Strategy.String())
	p.finishOutcome(out, "")
	return out, nil
}

// Stats returns the pipeline counters. Calling it has no side effects.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.InFlight = len(p.pending)
	return s
}

func (p *Pipeline) reject(id, reason, detail string) Outcome {
	out := Outcome{ID: id, Verdict: VerdictRejected, Reason: reason}
	if detail != "" && detail != reason {
		out.Reason = reason + ": " + detail
	}
	p.finishOutcome(out, reason)
	return out
}

// finishOutcome updates counters and publishes the verdict event.
func (p *Pipeline) finishOutcome(out Outcome, reason string) {
	p.mu.Lock()
	switch out.Verdict {
	case VerdictAccepted:
		p.stats.Accepted++
	case VerdictRejected:
		p.stats.Rejected++
	case VerdictPendingRecovery:
		p.stats.PendingRecovery++
	}
	p.mu.Unlock()

	if reason == "" {
		reason = "none"
	}
	pipelineVerdicts.WithLabelValues(string(out.Verdict), reason).Inc()
	p.publish("pipeline.verdict", out)
}

func (p *Pipeline) trackPending(id string, in Instruction) {
	p.mu.Lock()
	p.pending[id] = in
	p.mu.Unlock()
}

func (p *Pipeline) pendingInstruction(id string) (Instruction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.pending[id]
	return in, ok
}

func (p *Pipeline) dropPending(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Pipeline) publish(event string, data any) {
	if p.events != nil {
		p.events.Publish(event, data)
	}
}

func (p *Pipeline) stateMetrics() recovery.StateMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return recovery.StateMetrics{
		TotalTokens:     p.stats.Accepted,
		ActiveTransfers: uint32(len(p.pending)), //nolint:gosec // bounded by session caps
		IntegrityScore:  100,
	}
}

// estimateFees converts a gas limit into a fee-equivalent figure used by
// compensation math. Compensation always derives from fees already spent.
func estimateFees(gasLimit uint64) uint64 {
	if gasLimit == 0 {
		gasLimit = message.MinGasLimit
	}
	return gasLimit / 10
}

// Package fraud scores cross-chain NFT operations for abuse risk.
//
// Every verified operation is fingerprinted into a fixed 20-slot ring buffer
// and scored 0-1000 from seven weighted behavioral factors. Four pattern
// detectors run over the buffer after each analysis. The engine keeps a
// persistent risk score updated by exponential moving average; the
// instantaneous score drives a step-function recommendation ending in Block.
// Scoring is heuristic: thresholds are configuration, and false positives
// are expected at the margins.
package fraud

import (
	"context"
	"time"
)

// Recommendation is the engine's verdict on a single operation.
type Recommendation string

const (
	RecommendAllow       Recommendation = "allow"
	RecommendMonitor     Recommendation = "monitor"
	RecommendExtraVerify Recommendation = "require_additional_verification"
	RecommendDelay       Recommendation = "delay"
	RecommendBlock       Recommendation = "block"
)

// OperationType tags the kind of ledger mutation being analyzed.
type OperationType uint8

const (
	OpCrossChainTransfer OperationType = 1
	OpLocalTransfer      OperationType = 2
	OpMint               OperationType = 3
	OpBurn               OperationType = 4
)

// Config holds the tunable thresholds for the engine. Zero values are
// replaced with the defaults below.
type Config struct {
	// RiskThreshold marks an operation suspicious when exceeded (0-1000).
	RiskThreshold uint16 `json:"riskThreshold"`
	// AnalysisWindow bounds how far back pattern analysis looks.
	AnalysisWindow time.Duration `json:"analysisWindow"`
	// VelocityThreshold is the operations-per-minute rate considered normal.
	VelocityThreshold uint16 `json:"velocityThreshold"`
	// MinReputation is the reputation floor below which risk accrues.
	MinReputation uint16 `json:"minReputation"`
	// GeoRiskMultiplier scales risk for flagged regions (basis-100, 150 = 1.5x).
	GeoRiskMultiplier uint16 `json:"geoRiskMultiplier"`
	// DeniedChains are chain ids that always attract a flat penalty.
	DeniedChains []uint64 `json:"deniedChains"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RiskThreshold:     750,
		AnalysisWindow:    time.Hour,
		VelocityThreshold: 10,
		MinReputation:     500,
		GeoRiskMultiplier: 150,
		DeniedChains:      []uint64{99999, 88888, 77777},
	}
}

// Operation is the input to a single analysis call.
type Operation struct {
	Type        OperationType
	SourceChain uint64
	DestChain   uint64
	Value       uint64
	UserAddress []byte
	// Reputation is the user's score 0-1000; nil when unknown.
	Reputation *uint16
	// RouteHops counts chains traversed end to end; 1 means direct.
	RouteHops uint8
}

// Analysis is the outcome of scoring one operation.
type Analysis struct {
	RiskScore      uint16            `json:"riskScore"`
	Suspicious     bool              `json:"suspicious"`
	PatternCount   uint16            `json:"patternCount"`
	Recommendation Recommendation    `json:"recommendation"`
	Confidence     uint8             `json:"confidence"`
	Factors        map[string]uint16 `json:"factors"`
}

// Stats is a read-only snapshot of engine state for the telemetry sink.
type Stats struct {
	RiskScore          uint16    `json:"riskScore"`
	SuspiciousPatterns uint64    `json:"suspiciousPatterns"`
	TotalOperations    uint64    `json:"totalOperations"`
	LastAnalysis       time.Time `json:"lastAnalysis"`
}

// Assessment is the persisted audit record of one analysis.
type Assessment struct {
	ID             string            `json:"id"`
	UserHash       uint32            `json:"userHash"`
	SourceChain    uint64            `json:"sourceChain"`
	DestChain      uint64            `json:"destChain"`
	RiskScore      uint16            `json:"riskScore"`
	Recommendation Recommendation    `json:"recommendation"`
	PatternCount   uint16            `json:"patternCount"`
	Factors        map[string]uint16 `json:"factors"`
	AnalyzedAt     time.Time         `json:"analyzedAt"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByUser(ctx context.Context, userHash uint32, limit int) ([]*Assessment, error)
}

// recommendFor maps an instantaneous risk score to a recommendation.
func recommendFor(score uint16) Recommendation {
	switch {
	case score <= 200:
		return RecommendAllow
	case score <= 500:
		return RecommendMonitor
	case score <= 750:
		return RecommendExtraVerify
	case score <= 900:
		return RecommendDelay
	default:
		return RecommendBlock
	}
}

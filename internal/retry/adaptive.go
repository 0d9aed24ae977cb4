package retry

import (
	"math"
	"time"
)

// CongestionLevel buckets observed network load.
type CongestionLevel int

const (
	CongestionLow CongestionLevel = iota
	CongestionMedium
	CongestionHigh
	CongestionCritical
)

// String returns the congestion level name.
func (l CongestionLevel) String() string {
	switch l {
	case CongestionLow:
		return "low"
	case CongestionMedium:
		return "medium"
	case CongestionHigh:
		return "high"
	case CongestionCritical:
		return "critical"
	}
	return "unknown"
}

// NetworkConditions is a point-in-time snapshot of the downstream network.
type NetworkConditions struct {
	Congestion              CongestionLevel `json:"congestion"`
	AvgConfirmationTime     time.Duration   `json:"avgConfirmationTime"`
	BaseFee                 uint64          `json:"baseFee"`
	SuggestedPriorityFee    uint64          `json:"suggestedPriorityFee"`
	RecommendedComputeUnits uint64          `json:"recommendedComputeUnits"`
	StabilityScore          uint8           `json:"stabilityScore"` // 0-100
}

// ObserveConditions returns the current network snapshot. No live feed is
// wired in yet; it reports a steady medium-congestion estimate that keeps
// the adaptive scheduler's outputs deterministic.
func ObserveConditions() NetworkConditions {
	return NetworkConditions{
		Congestion:              CongestionMedium,
		AvgConfirmationTime:     2500 * time.Millisecond,
		BaseFee:                 5000,
		SuggestedPriorityFee:    10000,
		RecommendedComputeUnits: 200_000,
		StabilityScore:          85,
	}
}

// Parameters are the adaptive scheduler's outputs for one upcoming attempt.
type Parameters struct {
	Delay                    time.Duration
	ComputeAdjustmentPct     int
	PriorityFeeAdjustmentPct int
	RefreshBlockhash         bool
	SwitchEndpoint           bool
}

// adaptiveParameters derives delay and resource adjustments from the network
// snapshot and the specific failure reason. An expired blockhash halves the
// delay and forces a refresh instead of waiting longer.
func adaptiveParameters(cond NetworkConditions, reason FailureReason, attempt int) Parameters {
	var base time.Duration
	switch cond.Congestion {
	case CongestionLow:
		base = 2 * time.Second
	case CongestionMedium:
		base = 5 * time.Second
	case CongestionHigh:
		base = 10 * time.Second
	default:
		base = 20 * time.Second
	}

	var mult float64
	switch reason {
	case ReasonNetworkTimeout:
		mult = 2.0
	case ReasonNodeOverloaded:
		mult = 3.0
	case ReasonBlockhashExpired:
		mult = 0.5
	default:
		mult = 1.5
	}

	var compute int
	switch reason {
	case ReasonInsufficientComputeUnits:
		compute = 25
	case ReasonSimulationFailed:
		compute = 15
	}

	priority := 10
	switch reason {
	case ReasonInsufficientPriorityFee:
		priority = 50
	case ReasonNodeOverloaded:
		priority = 100
	}

	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(base) * mult * math.Pow(float64(attempt), 1.5))

	return Parameters{
		Delay:                    delay,
		ComputeAdjustmentPct:     compute,
		PriorityFeeAdjustmentPct: priority,
		RefreshBlockhash:         reason == ReasonBlockhashExpired,
		SwitchEndpoint:           cond.StabilityScore < 50,
	}
}

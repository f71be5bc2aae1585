package health

import "github.com/ignite/email-relay/internal/domain"

// Score computes the 0–100 health score:
//
//	score = 100 · success_rate · latency_factor · circuit_factor
//
// It is a pure, deterministic function of the inputs so dashboards and the
// router always agree on what a row's counters mean.
func Score(successRate, avgLatencyMs float64, state domain.CircuitState) float64 {
	score := 100 * successRate * LatencyFactor(avgLatencyMs) * CircuitFactor(state)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// LatencyFactor maps average latency to a multiplier: 1.0 up to 500ms,
// decaying linearly to 0.5 at 3000ms and to 0.2 at 5000ms and beyond.
func LatencyFactor(avgLatencyMs float64) float64 {
	switch {
	case avgLatencyMs <= 500:
		return 1.0
	case avgLatencyMs <= 3000:
		return 1.0 - (avgLatencyMs-500)/2500*0.5
	case avgLatencyMs <= 5000:
		return 0.5 - (avgLatencyMs-3000)/2000*0.3
	default:
		return 0.2
	}
}

// CircuitFactor penalizes non-closed circuits.
func CircuitFactor(state domain.CircuitState) float64 {
	switch state {
	case domain.CircuitOpen:
		return 0.1
	case domain.CircuitHalfOpen:
		return 0.5
	default:
		return 1.0
	}
}

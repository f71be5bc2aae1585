package domain

import "time"

// CircuitState is the breaker state of a provider.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// HealthMetrics is the rolling health row kept per provider.
type HealthMetrics struct {
	Provider               Provider     `json:"provider"`
	HealthScore            float64      `json:"health_score"`
	TotalRequests          int64        `json:"total_requests"`
	SuccessfulRequests     int64        `json:"successful_requests"`
	FailedRequests         int64        `json:"failed_requests"`
	ConsecutiveFailures    int          `json:"consecutive_failures"`
	AverageLatencyMs       float64      `json:"average_latency_ms"`
	CircuitState           CircuitState `json:"circuit_state"`
	LastFailureTime        *time.Time   `json:"last_failure_time,omitempty"`
	LastError              string       `json:"last_error,omitempty"`
	MeasurementWindowStart time.Time    `json:"measurement_window_start"`
}

// SuccessRate returns successful/total, or 1.0 when nothing has been recorded.
func (m HealthMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 1.0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

// HealthSnapshot is a periodic point-in-time copy of a provider's health,
// retained for dashboard history.
type HealthSnapshot struct {
	Provider      Provider  `json:"provider"`
	SnapshotAt    time.Time `json:"snapshot_at"`
	HealthScore   float64   `json:"health_score"`
	SuccessRate   float64   `json:"success_rate"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	TotalRequests int64     `json:"total_requests"`
}

// QuotaStatus is one row of the quota ledger snapshot.
type QuotaStatus struct {
	Provider   Provider  `json:"provider"`
	Date       string    `json:"date"`
	EmailsSent int       `json:"sent"`
	DailyLimit int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	PctUsed    float64   `json:"pct_used"`
	UpdatedAt  time.Time `json:"updated_at"`
}

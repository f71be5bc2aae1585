package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

// AlertKind classifies an alert.
type AlertKind string

const (
	AlertCritical AlertKind = "CRITICAL"
	AlertWarning  AlertKind = "WARNING"
	AlertCircuit  AlertKind = "ALERT"
)

// Alert is one condition worth an operator's attention.
type Alert struct {
	Provider domain.Provider `json:"provider"`
	Kind     AlertKind       `json:"kind"`
	Message  string          `json:"message"`
	RaisedAt time.Time       `json:"raised_at"`
}

// alertDeduper suppresses repeats of the same (provider, kind) within the
// cooldown. In-process state only; each process alerts independently.
type alertDeduper struct {
	mu       sync.Mutex
	cooldown time.Duration
	lastSent map[string]time.Time
}

func newAlertDeduper(cooldown time.Duration) *alertDeduper {
	return &alertDeduper{
		cooldown: cooldown,
		lastSent: make(map[string]time.Time),
	}
}

// evaluate derives alerts from the current metrics, dropping any still in
// cooldown.
func (d *alertDeduper) evaluate(metrics []domain.HealthMetrics, now time.Time) []Alert {
	var out []Alert
	for _, m := range metrics {
		for _, a := range alertsFor(m, now) {
			if d.admit(a, now) {
				logger.Warn("provider alert",
					"provider", a.Provider, "kind", string(a.Kind), "message", a.Message)
				out = append(out, a)
			}
		}
	}
	return out
}

func (d *alertDeduper) admit(a Alert, now time.Time) bool {
	key := fmt.Sprintf("%s:%s", a.Provider, a.Kind)

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.lastSent[key] = now
	return true
}

// alertsFor applies the alert thresholds to one provider's metrics.
func alertsFor(m domain.HealthMetrics, now time.Time) []Alert {
	var out []Alert

	if m.HealthScore <= 30 {
		out = append(out, Alert{
			Provider: m.Provider,
			Kind:     AlertCritical,
			Message:  fmt.Sprintf("health score %.1f", m.HealthScore),
			RaisedAt: now,
		})
	} else if m.HealthScore <= 50 ||
		(m.TotalRequests > 10 && m.SuccessRate() < 0.70) ||
		m.AverageLatencyMs > 2000 {
		out = append(out, Alert{
			Provider: m.Provider,
			Kind:     AlertWarning,
			Message: fmt.Sprintf("health score %.1f, success rate %.2f, avg latency %.0fms",
				m.HealthScore, m.SuccessRate(), m.AverageLatencyMs),
			RaisedAt: now,
		})
	}

	if m.CircuitState == domain.CircuitOpen {
		out = append(out, Alert{
			Provider: m.Provider,
			Kind:     AlertCircuit,
			Message:  "circuit open: " + m.LastError,
			RaisedAt: now,
		})
	}
	return out
}

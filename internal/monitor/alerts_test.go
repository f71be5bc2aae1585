package monitor

import (
	"testing"
	"time"

	"github.com/ignite/email-relay/internal/domain"
)

func metricsWith(score float64, state domain.CircuitState) domain.HealthMetrics {
	return domain.HealthMetrics{
		Provider:     domain.ProviderResend,
		HealthScore:  score,
		CircuitState: state,
	}
}

func kinds(alerts []Alert) []AlertKind {
	out := make([]AlertKind, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Kind)
	}
	return out
}

func TestAlertsForThresholds(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		m    domain.HealthMetrics
		want []AlertKind
	}{
		{"healthy", metricsWith(95, domain.CircuitClosed), nil},
		{"critical score", metricsWith(30, domain.CircuitClosed), []AlertKind{AlertCritical}},
		{"warning score", metricsWith(50, domain.CircuitClosed), []AlertKind{AlertWarning}},
		{"score just above warning", metricsWith(50.1, domain.CircuitClosed), nil},
		{
			"low success rate",
			domain.HealthMetrics{
				Provider: domain.ProviderBrevo, HealthScore: 80,
				TotalRequests: 20, SuccessfulRequests: 10,
				CircuitState: domain.CircuitClosed,
			},
			[]AlertKind{AlertWarning},
		},
		{
			"low success rate but tiny sample",
			domain.HealthMetrics{
				Provider: domain.ProviderBrevo, HealthScore: 80,
				TotalRequests: 5, SuccessfulRequests: 2,
				CircuitState: domain.CircuitClosed,
			},
			nil,
		},
		{
			"slow provider",
			domain.HealthMetrics{
				Provider: domain.ProviderSES, HealthScore: 80,
				AverageLatencyMs: 2500, CircuitState: domain.CircuitClosed,
			},
			[]AlertKind{AlertWarning},
		},
		{
			"open circuit on a critical provider",
			metricsWith(10, domain.CircuitOpen),
			[]AlertKind{AlertCritical, AlertCircuit},
		},
	}

	for _, tt := range tests {
		got := kinds(alertsFor(tt.m, now))
		if len(got) != len(tt.want) {
			t.Errorf("%s: alerts = %v, want %v", tt.name, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: alerts = %v, want %v", tt.name, got, tt.want)
			}
		}
	}
}

func TestDeduperSuppressesRepeats(t *testing.T) {
	d := newAlertDeduper(time.Hour)
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	metrics := []domain.HealthMetrics{metricsWith(10, domain.CircuitClosed)}

	if got := d.evaluate(metrics, now); len(got) != 1 {
		t.Fatalf("first pass = %v, want one alert", got)
	}
	if got := d.evaluate(metrics, now.Add(30*time.Minute)); len(got) != 0 {
		t.Errorf("repeat within cooldown = %v, want suppressed", got)
	}
	if got := d.evaluate(metrics, now.Add(61*time.Minute)); len(got) != 1 {
		t.Errorf("after cooldown = %v, want re-raised", got)
	}
}

func TestDeduperKeysOnProviderAndKind(t *testing.T) {
	d := newAlertDeduper(time.Hour)
	now := time.Now()

	critical := []domain.HealthMetrics{metricsWith(10, domain.CircuitClosed)}
	d.evaluate(critical, now)

	// Same provider, different kind: not suppressed.
	open := []domain.HealthMetrics{metricsWith(90, domain.CircuitOpen)}
	if got := d.evaluate(open, now); len(got) != 1 || got[0].Kind != AlertCircuit {
		t.Errorf("circuit alert = %v, want admitted independently", got)
	}

	// Different provider, same kind: not suppressed.
	other := []domain.HealthMetrics{{
		Provider: domain.ProviderBrevo, HealthScore: 5, CircuitState: domain.CircuitClosed,
	}}
	if got := d.evaluate(other, now); len(got) != 1 {
		t.Errorf("other provider alert = %v, want admitted", got)
	}
}

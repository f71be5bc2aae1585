package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ignite/email-relay/internal/domain"
)

type fakeState struct {
	configured []domain.Provider
	metrics    map[domain.Provider]domain.HealthMetrics
	quota      map[domain.Provider]bool
	rate       map[domain.Provider]bool
}

func (f *fakeState) ListConfigured(context.Context) []domain.Provider { return f.configured }

func (f *fakeState) GetMetrics(_ context.Context, p domain.Provider) (domain.HealthMetrics, error) {
	if m, ok := f.metrics[p]; ok {
		return m, nil
	}
	return domain.HealthMetrics{Provider: p, HealthScore: 100, CircuitState: domain.CircuitClosed}, nil
}

func (f *fakeState) HasHeadroom(_ context.Context, p domain.Provider) (bool, error) {
	if v, ok := f.quota[p]; ok {
		return v, nil
	}
	return true, nil
}

func (f *fakeState) HasRateHeadroom(_ context.Context, p domain.Provider, _ int) (bool, error) {
	if v, ok := f.rate[p]; ok {
		return v, nil
	}
	return true, nil
}

func newTestRouter(f *fakeState) *Router {
	r := New(f, f, f, f, 10)
	r.now = func() time.Time {
		return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	}
	return r
}

func allConfigured() *fakeState {
	return &fakeState{
		configured: domain.AllProviders(),
		metrics:    map[domain.Provider]domain.HealthMetrics{},
		quota:      map[domain.Provider]bool{},
		rate:       map[domain.Provider]bool{},
	}
}

func TestPriorityFor(t *testing.T) {
	auth := PriorityFor(domain.TypeAuth)
	if auth[0] != domain.ProviderResend {
		t.Errorf("auth priority starts with %s, want resend", auth[0])
	}
	newsletter := PriorityFor(domain.TypeNewsletter)
	if newsletter[0] != domain.ProviderBrevo {
		t.Errorf("newsletter priority starts with %s, want brevo", newsletter[0])
	}
}

func TestSelectProviderTiebreakFollowsPriority(t *testing.T) {
	f := allConfigured()
	r := newTestRouter(f)

	// Equal scores everywhere: priority order decides.
	p, err := r.SelectProvider(context.Background(), domain.TypeAuth, nil)
	if err != nil || p != domain.ProviderResend {
		t.Errorf("auth pick = %s, %v; want resend", p, err)
	}
	p, err = r.SelectProvider(context.Background(), domain.TypeChat, nil)
	if err != nil || p != domain.ProviderBrevo {
		t.Errorf("chat pick = %s, %v; want brevo", p, err)
	}
}

func TestSelectProviderHighestScoreWins(t *testing.T) {
	f := allConfigured()
	f.metrics[domain.ProviderBrevo] = domain.HealthMetrics{
		Provider: domain.ProviderBrevo, HealthScore: 60, CircuitState: domain.CircuitClosed}
	f.metrics[domain.ProviderSES] = domain.HealthMetrics{
		Provider: domain.ProviderSES, HealthScore: 95, CircuitState: domain.CircuitClosed}
	f.metrics[domain.ProviderResend] = domain.HealthMetrics{
		Provider: domain.ProviderResend, HealthScore: 80, CircuitState: domain.CircuitClosed}
	r := newTestRouter(f)

	p, err := r.SelectProvider(context.Background(), domain.TypeNewsletter, nil)
	if err != nil || p != domain.ProviderSES {
		t.Errorf("pick = %s, %v; want ses with the top score", p, err)
	}
}

func TestSelectProviderSkipsUnconfigured(t *testing.T) {
	f := allConfigured()
	f.configured = []domain.Provider{domain.ProviderSES}
	r := newTestRouter(f)

	p, err := r.SelectProvider(context.Background(), domain.TypeAuth, nil)
	if err != nil || p != domain.ProviderSES {
		t.Errorf("pick = %s, %v; want the only configured provider", p, err)
	}
}

func TestSelectProviderSkipsExcluded(t *testing.T) {
	f := allConfigured()
	r := newTestRouter(f)

	p, err := r.SelectProvider(context.Background(), domain.TypeAuth,
		map[domain.Provider]bool{domain.ProviderResend: true})
	if err != nil || p == domain.ProviderResend {
		t.Errorf("pick = %s, %v; excluded provider selected", p, err)
	}
}

func TestSelectProviderSkipsExhaustedQuota(t *testing.T) {
	f := allConfigured()
	f.quota[domain.ProviderBrevo] = false
	r := newTestRouter(f)

	p, err := r.SelectProvider(context.Background(), domain.TypeChat, nil)
	if err != nil || p == domain.ProviderBrevo {
		t.Errorf("pick = %s, %v; quota-exhausted provider selected", p, err)
	}
}

func TestSelectProviderSkipsRateLimited(t *testing.T) {
	f := allConfigured()
	f.rate[domain.ProviderResend] = false
	r := newTestRouter(f)

	p, err := r.SelectProvider(context.Background(), domain.TypeAuth, nil)
	if err != nil || p == domain.ProviderResend {
		t.Errorf("pick = %s, %v; rate-limited provider selected", p, err)
	}
}

func TestSelectProviderOpenCircuitWithinCooldown(t *testing.T) {
	f := allConfigured()
	recent := time.Date(2024, 3, 15, 9, 59, 50, 0, time.UTC) // 10s ago
	f.metrics[domain.ProviderResend] = domain.HealthMetrics{
		Provider: domain.ProviderResend, HealthScore: 10,
		CircuitState: domain.CircuitOpen, LastFailureTime: &recent}
	r := newTestRouter(f)

	p, err := r.SelectProvider(context.Background(), domain.TypeAuth, nil)
	if err != nil || p == domain.ProviderResend {
		t.Errorf("pick = %s, %v; freshly-open circuit selected", p, err)
	}
}

func TestSelectProviderOpenCircuitPastCooldownStaysRoutable(t *testing.T) {
	f := allConfigured()
	f.configured = []domain.Provider{domain.ProviderResend}
	stale := time.Date(2024, 3, 15, 9, 58, 0, 0, time.UTC) // 2m ago
	f.metrics[domain.ProviderResend] = domain.HealthMetrics{
		Provider: domain.ProviderResend, HealthScore: 10,
		CircuitState: domain.CircuitOpen, LastFailureTime: &stale}
	r := newTestRouter(f)

	// The breaker, not the router, decides whether the probe is admitted.
	p, err := r.SelectProvider(context.Background(), domain.TypeAuth, nil)
	if err != nil || p != domain.ProviderResend {
		t.Errorf("pick = %s, %v; cooled-down circuit must stay routable", p, err)
	}
}

func TestSelectProviderNoneSurvive(t *testing.T) {
	f := allConfigured()
	f.configured = nil
	r := newTestRouter(f)

	_, err := r.SelectProvider(context.Background(), domain.TypeAuth, nil)
	if !errors.Is(err, domain.ErrNoProviderAvailable) {
		t.Errorf("err = %v, want ErrNoProviderAvailable", err)
	}
}

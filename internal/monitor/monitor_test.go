package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/provider"
)

type fakeHealthStore struct {
	mu        sync.Mutex
	recorded  map[domain.Provider]bool
	metrics   []domain.HealthMetrics
	snapshots int
	cleaned   int64
}

func (f *fakeHealthStore) RecordOutcome(_ context.Context, p domain.Provider, success bool, _ int64, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recorded == nil {
		f.recorded = make(map[domain.Provider]bool)
	}
	f.recorded[p] = success
	return nil
}

func (f *fakeHealthStore) ListMetrics(context.Context) ([]domain.HealthMetrics, error) {
	return f.metrics, nil
}

func (f *fakeHealthStore) Snapshot(context.Context) (int, error) {
	f.snapshots++
	return len(f.metrics), nil
}

func (f *fakeHealthStore) CleanupHistory(context.Context, time.Duration, int) (int64, error) {
	f.cleaned++
	return f.cleaned, nil
}

type fakeQuotaStore struct {
	snapshot []domain.QuotaStatus
	setLimit map[domain.Provider]int
}

func (f *fakeQuotaStore) Snapshot(context.Context) ([]domain.QuotaStatus, error) {
	return f.snapshot, nil
}

func (f *fakeQuotaStore) SetDailyLimit(_ context.Context, p domain.Provider, limit int) error {
	if f.setLimit == nil {
		f.setLimit = make(map[domain.Provider]int)
	}
	f.setLimit[p] = limit
	return nil
}

type fakeLogStore struct {
	cleaned int
}

func (f *fakeLogStore) CleanupLogs(context.Context, time.Duration, int) (int64, error) {
	f.cleaned++
	return 10, nil
}

type stubAdapter struct {
	name  domain.Provider
	ping  provider.PingResult
	quota provider.QuotaInfo
	qErr  error
}

func (a *stubAdapter) Name() domain.Provider { return a.name }

func (a *stubAdapter) Send(context.Context, *provider.SendRequest) (*provider.SendResult, error) {
	return nil, errors.New("not used")
}

func (a *stubAdapter) GetQuotaLive(context.Context) (provider.QuotaInfo, error) {
	return a.quota, a.qErr
}

func (a *stubAdapter) Ping(context.Context, bool) provider.PingResult { return a.ping }

func okAdapter(p domain.Provider) *stubAdapter {
	return &stubAdapter{
		name:  p,
		ping:  provider.PingResult{Provider: p, Status: provider.PingOK, LatencyMs: 40},
		quota: provider.QuotaInfo{Inferred: true},
	}
}

func newTestMonitor(adapters map[domain.Provider]provider.Adapter, h *fakeHealthStore, q *fakeQuotaStore) (*Monitor, *fakeLogStore) {
	logs := &fakeLogStore{}
	m := New(Config{CleanupHourUTC: 2}, adapters, h, q, logs)
	m.now = func() time.Time {
		return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	}
	return m, logs
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"ping", ModePing},
		{" Detailed ", ModeDetailed},
		{"full", ModeFull},
		{"", ModeFull},
		{"bogus", ModeFull},
	}
	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Errorf("ParseMode(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRunRecordsPingOutcomes(t *testing.T) {
	h := &fakeHealthStore{}
	q := &fakeQuotaStore{}
	adapters := map[domain.Provider]provider.Adapter{
		domain.ProviderResend: okAdapter(domain.ProviderResend),
		domain.ProviderBrevo: &stubAdapter{
			name: domain.ProviderBrevo,
			ping: provider.PingResult{Provider: domain.ProviderBrevo, Status: provider.PingError, Message: "401"},
		},
		domain.ProviderSES: &stubAdapter{
			name: domain.ProviderSES,
			ping: provider.PingResult{Provider: domain.ProviderSES, Status: provider.PingUnconfigured},
		},
	}
	m, _ := newTestMonitor(adapters, h, q)

	result, err := m.Run(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Providers) != 3 {
		t.Errorf("providers = %v", result.Providers)
	}
	if success, ok := h.recorded[domain.ProviderResend]; !ok || !success {
		t.Errorf("resend outcome = %v, %v", success, ok)
	}
	if success, ok := h.recorded[domain.ProviderBrevo]; !ok || success {
		t.Errorf("brevo outcome = %v, %v", success, ok)
	}
	// Missing credentials are not a delivery failure.
	if _, ok := h.recorded[domain.ProviderSES]; ok {
		t.Error("unconfigured provider recorded as an outcome")
	}
}

func TestRunPingModeStopsEarly(t *testing.T) {
	h := &fakeHealthStore{}
	q := &fakeQuotaStore{}
	m, _ := newTestMonitor(map[domain.Provider]provider.Adapter{
		domain.ProviderResend: okAdapter(domain.ProviderResend),
	}, h, q)

	result, err := m.Run(context.Background(), ModePing)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.SnapshotsTaken != 0 || h.snapshots != 0 {
		t.Error("ping mode took history snapshots")
	}
	if result.Health != nil || result.Quotas != nil {
		t.Errorf("ping mode returned full payload: %+v", result)
	}
}

func TestRunSyncsSESLimit(t *testing.T) {
	h := &fakeHealthStore{}
	q := &fakeQuotaStore{
		snapshot: []domain.QuotaStatus{
			{Provider: domain.ProviderSES, DailyLimit: 100},
		},
	}
	ses := okAdapter(domain.ProviderSES)
	ses.quota = provider.QuotaInfo{DailyLimit: 50000, DailySent: 12}
	m, _ := newTestMonitor(map[domain.Provider]provider.Adapter{domain.ProviderSES: ses}, h, q)

	if _, err := m.Run(context.Background(), ModeFull); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if q.setLimit[domain.ProviderSES] != 50000 {
		t.Errorf("setLimit = %v, want ses synced to 50000", q.setLimit)
	}
}

func TestRunSkipsSESSyncWhenUnchanged(t *testing.T) {
	h := &fakeHealthStore{}
	q := &fakeQuotaStore{
		snapshot: []domain.QuotaStatus{
			{Provider: domain.ProviderSES, DailyLimit: 50000},
		},
	}
	ses := okAdapter(domain.ProviderSES)
	ses.quota = provider.QuotaInfo{DailyLimit: 50000}
	m, _ := newTestMonitor(map[domain.Provider]provider.Adapter{domain.ProviderSES: ses}, h, q)

	if _, err := m.Run(context.Background(), ModeFull); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(q.setLimit) != 0 {
		t.Errorf("setLimit = %v, want no write for an unchanged limit", q.setLimit)
	}
}

func TestRunSkipsSESSyncWhenInferred(t *testing.T) {
	h := &fakeHealthStore{}
	q := &fakeQuotaStore{
		snapshot: []domain.QuotaStatus{{Provider: domain.ProviderSES, DailyLimit: 100}},
	}
	m, _ := newTestMonitor(map[domain.Provider]provider.Adapter{
		domain.ProviderSES: okAdapter(domain.ProviderSES), // quota is Inferred
	}, h, q)

	if _, err := m.Run(context.Background(), ModeFull); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(q.setLimit) != 0 {
		t.Errorf("setLimit = %v, want none for an inferred reading", q.setLimit)
	}
}

func TestCleanupRunsOncePerDay(t *testing.T) {
	h := &fakeHealthStore{}
	q := &fakeQuotaStore{}
	m, logs := newTestMonitor(map[domain.Provider]provider.Adapter{
		domain.ProviderResend: okAdapter(domain.ProviderResend),
	}, h, q)

	// Outside the cleanup hour: nothing happens.
	result, _ := m.Run(context.Background(), ModeFull)
	if result.CleanupPerformed {
		t.Error("cleanup ran outside the configured hour")
	}

	// Inside the hour: runs once, then dedupes for the rest of the day.
	m.now = func() time.Time {
		return time.Date(2024, 3, 15, 2, 5, 0, 0, time.UTC)
	}
	result, _ = m.Run(context.Background(), ModeFull)
	if !result.CleanupPerformed {
		t.Error("cleanup did not run during the configured hour")
	}
	result, _ = m.Run(context.Background(), ModeFull)
	if result.CleanupPerformed {
		t.Error("cleanup ran twice in one day")
	}
	if logs.cleaned != 1 {
		t.Errorf("log cleanup ran %d times, want 1", logs.cleaned)
	}

	// Next day, same hour: runs again.
	m.now = func() time.Time {
		return time.Date(2024, 3, 16, 2, 5, 0, 0, time.UTC)
	}
	result, _ = m.Run(context.Background(), ModeFull)
	if !result.CleanupPerformed {
		t.Error("cleanup did not run on the next day")
	}
}

// Package monitor implements the out-of-band health loop: ping every
// configured provider, sync the SES daily limit from its live quota,
// snapshot health history, raise alerts, and run the daily retention
// cleanup.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/pkg/logger"
	"github.com/ignite/email-relay/internal/provider"
)

// Mode selects how much work one monitor tick does.
type Mode string

const (
	// ModePing only probes the providers and records outcomes.
	ModePing Mode = "ping"
	// ModeFull adds quota sync, history snapshots, alerts, and cleanup.
	ModeFull Mode = "full"
	// ModeDetailed is ModeFull with detailed probe responses.
	ModeDetailed Mode = "detailed"
)

// ParseMode maps a query-string value onto a Mode, defaulting to full.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ping":
		return ModePing
	case "detailed":
		return ModeDetailed
	default:
		return ModeFull
	}
}

// HealthStore is the monitor's view of the health tracker.
type HealthStore interface {
	RecordOutcome(ctx context.Context, p domain.Provider, success bool, latencyMs int64, attemptErr error) error
	ListMetrics(ctx context.Context) ([]domain.HealthMetrics, error)
	Snapshot(ctx context.Context) (int, error)
	CleanupHistory(ctx context.Context, retention time.Duration, batchSize int) (int64, error)
}

// QuotaStore is the monitor's view of the quota ledger.
type QuotaStore interface {
	Snapshot(ctx context.Context) ([]domain.QuotaStatus, error)
	SetDailyLimit(ctx context.Context, p domain.Provider, limit int) error
}

// LogStore cleans up old per-attempt audit rows.
type LogStore interface {
	CleanupLogs(ctx context.Context, retention time.Duration, batchSize int) (int64, error)
}

// Config tunes the monitor.
type Config struct {
	HistoryRetention time.Duration
	LogRetention     time.Duration
	CleanupHourUTC   int
	CleanupBatchSize int
}

// Result is what one MonitorHealth invocation reports back.
type Result struct {
	Mode             Mode                    `json:"mode"`
	Providers        []provider.PingResult   `json:"providers"`
	Health           []domain.HealthMetrics  `json:"health,omitempty"`
	Quotas           []domain.QuotaStatus    `json:"quotas,omitempty"`
	Alerts           []Alert                 `json:"alerts,omitempty"`
	SnapshotsTaken   int                     `json:"snapshots_taken"`
	CleanupPerformed bool                    `json:"cleanup_performed"`
	DurationMs       int64                   `json:"duration_ms"`
}

// Monitor runs the periodic provider health pass.
type Monitor struct {
	cfg      Config
	adapters map[domain.Provider]provider.Adapter
	health   HealthStore
	quota    QuotaStore
	logs     LogStore
	alerts   *alertDeduper
	now      func() time.Time

	mu          sync.Mutex
	lastCleanup time.Time
}

// New assembles a monitor.
func New(cfg Config, adapters map[domain.Provider]provider.Adapter, h HealthStore, q QuotaStore, l LogStore) *Monitor {
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 90 * 24 * time.Hour
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 30 * 24 * time.Hour
	}
	if cfg.CleanupBatchSize <= 0 {
		cfg.CleanupBatchSize = 1000
	}
	return &Monitor{
		cfg:      cfg,
		adapters: adapters,
		health:   h,
		quota:    q,
		logs:     l,
		alerts:   newAlertDeduper(time.Hour),
		now:      time.Now,
	}
}

// Run executes one monitor tick.
func (m *Monitor) Run(ctx context.Context, mode Mode) (Result, error) {
	start := m.now()
	result := Result{Mode: mode}

	result.Providers = m.pingAll(ctx, mode == ModeDetailed)

	if mode == ModePing {
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	m.syncSESLimit(ctx)

	taken, err := m.health.Snapshot(ctx)
	if err != nil {
		logger.Error("health snapshot failed", "error", err)
	}
	result.SnapshotsTaken = taken

	metrics, err := m.health.ListMetrics(ctx)
	if err != nil {
		return result, fmt.Errorf("list health metrics: %w", err)
	}
	result.Health = metrics
	result.Alerts = m.alerts.evaluate(metrics, m.now())

	quotas, err := m.quota.Snapshot(ctx)
	if err != nil {
		logger.Error("quota snapshot failed", "error", err)
	}
	result.Quotas = quotas

	result.CleanupPerformed = m.maybeCleanup(ctx)
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// pingAll probes every adapter in parallel and folds each outcome into the
// health tracker. Unconfigured providers are reported but not recorded;
// missing credentials are not a delivery failure.
func (m *Monitor) pingAll(ctx context.Context, detailed bool) []provider.PingResult {
	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make([]provider.PingResult, 0, len(m.adapters))

	for _, p := range domain.AllProviders() {
		adapter, ok := m.adapters[p]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(p domain.Provider, adapter provider.Adapter) {
			defer wg.Done()
			ping := adapter.Ping(ctx, detailed)

			if ping.Status != provider.PingUnconfigured {
				var attemptErr error
				if ping.Status == provider.PingError {
					attemptErr = fmt.Errorf("ping: %s", ping.Message)
				}
				if err := m.health.RecordOutcome(ctx, p, ping.Status == provider.PingOK, ping.LatencyMs, attemptErr); err != nil {
					logger.Error("ping outcome record failed", "provider", p, "error", err)
				}
			}

			mu.Lock()
			results = append(results, ping)
			mu.Unlock()
		}(p, adapter)
	}
	wg.Wait()
	return results
}

// syncSESLimit pulls the live SES send quota and overwrites today's ledger
// limit when it differs. SES is the only provider whose limit moves.
func (m *Monitor) syncSESLimit(ctx context.Context) {
	adapter, ok := m.adapters[domain.ProviderSES]
	if !ok {
		return
	}
	live, err := adapter.GetQuotaLive(ctx)
	if err != nil || live.Inferred || live.DailyLimit <= 0 {
		return
	}

	quotas, err := m.quota.Snapshot(ctx)
	if err != nil {
		return
	}
	for _, q := range quotas {
		if q.Provider != domain.ProviderSES {
			continue
		}
		if q.DailyLimit != live.DailyLimit {
			if err := m.quota.SetDailyLimit(ctx, domain.ProviderSES, live.DailyLimit); err != nil {
				logger.Error("ses limit sync failed", "error", err)
				return
			}
			logger.Info("ses daily limit synced",
				"old", q.DailyLimit, "new", live.DailyLimit)
		}
		return
	}
}

// maybeCleanup runs the retention pass once per UTC day during the
// configured hour.
func (m *Monitor) maybeCleanup(ctx context.Context) bool {
	now := m.now().UTC()
	if now.Hour() != m.cfg.CleanupHourUTC {
		return false
	}

	m.mu.Lock()
	alreadyRan := m.lastCleanup.Format("2006-01-02") == now.Format("2006-01-02")
	if !alreadyRan {
		m.lastCleanup = now
	}
	m.mu.Unlock()
	if alreadyRan {
		return false
	}

	deletedHistory, err := m.health.CleanupHistory(ctx, m.cfg.HistoryRetention, m.cfg.CleanupBatchSize)
	if err != nil {
		logger.Error("history cleanup failed", "error", err)
	}
	deletedLogs, err := m.logs.CleanupLogs(ctx, m.cfg.LogRetention, m.cfg.CleanupBatchSize)
	if err != nil {
		logger.Error("log cleanup failed", "error", err)
	}
	logger.Info("retention cleanup done",
		"history_deleted", deletedHistory, "logs_deleted", deletedLogs)
	return true
}

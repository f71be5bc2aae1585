package health

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/email-relay/internal/domain"
)

// Snapshot writes one history row per provider, returning how many were
// taken. The monitor calls this every tick.
func (t *Tracker) Snapshot(ctx context.Context) (int, error) {
	metrics, err := t.ListMetrics(ctx)
	if err != nil {
		return 0, err
	}

	taken := 0
	for _, m := range metrics {
		_, err := t.db.ExecContext(ctx, `
			INSERT INTO email_provider_health_history
				(provider, snapshot_at, health_score, success_rate, avg_latency_ms, total_requests)
			VALUES ($1, NOW(), $2, $3, $4, $5)
		`, string(m.Provider), m.HealthScore, m.SuccessRate(), m.AverageLatencyMs, m.TotalRequests)
		if err != nil {
			return taken, fmt.Errorf("snapshot %s: %w", m.Provider, err)
		}
		taken++
	}
	return taken, nil
}

// History returns the most recent snapshots for a provider, newest first.
func (t *Tracker) History(ctx context.Context, p domain.Provider, limit int) ([]domain.HealthSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT provider, snapshot_at, health_score, success_rate, avg_latency_ms, total_requests
		FROM email_provider_health_history
		WHERE provider = $1
		ORDER BY snapshot_at DESC
		LIMIT $2
	`, string(p), limit)
	if err != nil {
		return nil, fmt.Errorf("read health history for %s: %w", p, err)
	}
	defer rows.Close()

	var out []domain.HealthSnapshot
	for rows.Next() {
		var s domain.HealthSnapshot
		var provider string
		if err := rows.Scan(&provider, &s.SnapshotAt, &s.HealthScore, &s.SuccessRate, &s.AvgLatencyMs, &s.TotalRequests); err != nil {
			return nil, fmt.Errorf("scan health snapshot: %w", err)
		}
		s.Provider = domain.Provider(provider)
		out = append(out, s)
	}
	return out, rows.Err()
}

// CleanupHistory deletes snapshots older than the retention window, at most
// batchSize rows per call so the daily pass never holds long locks.
func (t *Tracker) CleanupHistory(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	cutoff := t.now().UTC().Add(-retention)

	res, err := t.db.ExecContext(ctx, `
		DELETE FROM email_provider_health_history
		WHERE id IN (
			SELECT id FROM email_provider_health_history
			WHERE snapshot_at < $1
			ORDER BY snapshot_at ASC
			LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("cleanup health history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Package health tracks per-provider delivery health and embeds the circuit
// breaker. The state lives in email_provider_health_metrics so every worker
// process on every host sees the same circuit.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

const (
	// opTimeout bounds every tracker write.
	opTimeout = 5 * time.Second

	// openThreshold is the consecutive-failure count that opens the circuit.
	openThreshold = 5

	// cooldown is how long an open circuit waits before admitting a probe.
	cooldown = 30 * time.Second

	// emaWeight is the weight of the previous average in the latency EMA.
	emaWeight = 0.8

	// maxErrorLen bounds last_error storage.
	maxErrorLen = 500
)

// Tracker owns the provider health rows and the circuit breaker built on
// top of them.
type Tracker struct {
	db  *sql.DB
	now func() time.Time
}

// NewTracker creates a tracker over the given database.
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db, now: time.Now}
}

// RecordOutcome folds one attempt into the provider's rolling counters and
// advances the circuit state machine. The row is taken FOR UPDATE so
// concurrent workers serialize on it.
func (t *Tracker) RecordOutcome(ctx context.Context, p domain.Provider, success bool, latencyMs int64, attemptErr error) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin health update: %w", err)
	}
	defer tx.Rollback()

	m, err := t.lockRow(ctx, tx, p)
	if err != nil {
		return err
	}

	now := t.now().UTC()

	m.TotalRequests++
	if m.TotalRequests == 1 {
		m.AverageLatencyMs = float64(latencyMs)
	} else {
		m.AverageLatencyMs = emaWeight*m.AverageLatencyMs + (1-emaWeight)*float64(latencyMs)
	}

	if success {
		m.SuccessfulRequests++
		m.ConsecutiveFailures = 0
		if m.CircuitState != domain.CircuitClosed {
			logger.Info("circuit closed", "provider", p)
			m.CircuitState = domain.CircuitClosed
		}
	} else {
		m.FailedRequests++
		m.ConsecutiveFailures++
		m.LastFailureTime = &now
		if attemptErr != nil {
			m.LastError = domain.TruncateError(attemptErr.Error(), maxErrorLen)
		}
		if m.CircuitState == domain.CircuitHalfOpen {
			// The probe failed: back to open with a fresh cooldown.
			logger.Warn("circuit reopened after failed probe", "provider", p)
			m.CircuitState = domain.CircuitOpen
		} else if m.ConsecutiveFailures >= openThreshold && m.CircuitState == domain.CircuitClosed {
			logger.Warn("circuit opened", "provider", p, "consecutive_failures", m.ConsecutiveFailures)
			m.CircuitState = domain.CircuitOpen
		}
	}

	m.HealthScore = Score(m.SuccessRate(), m.AverageLatencyMs, m.CircuitState)

	var lastFailure interface{}
	if m.LastFailureTime != nil {
		lastFailure = *m.LastFailureTime
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE email_provider_health_metrics
		SET health_score = $2,
		    total_requests = $3,
		    successful_requests = $4,
		    failed_requests = $5,
		    consecutive_failures = $6,
		    average_latency_ms = $7,
		    circuit_state = $8,
		    last_failure_time = $9,
		    last_error = $10,
		    updated_at = NOW()
		WHERE provider = $1
	`, string(p), m.HealthScore, m.TotalRequests, m.SuccessfulRequests, m.FailedRequests,
		m.ConsecutiveFailures, m.AverageLatencyMs, string(m.CircuitState), lastFailure, m.LastError)
	if err != nil {
		return fmt.Errorf("update health row for %s: %w", p, err)
	}

	return tx.Commit()
}

// Allow reports whether a call to the provider may proceed. An open circuit
// past its cooldown flips to half_open via compare-and-swap, so exactly one
// worker wins the probe.
func (t *Tracker) Allow(ctx context.Context, p domain.Provider) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	m, err := t.GetMetrics(ctx, p)
	if err != nil {
		return false, err
	}

	switch m.CircuitState {
	case domain.CircuitClosed:
		return true, nil
	case domain.CircuitOpen:
		if m.LastFailureTime == nil || t.now().Sub(*m.LastFailureTime) < cooldown {
			return false, nil
		}
		// CAS open → half_open: the winner owns the single probe.
		res, err := t.db.ExecContext(ctx, `
			UPDATE email_provider_health_metrics
			SET circuit_state = 'half_open', updated_at = NOW()
			WHERE provider = $1 AND circuit_state = 'open'
		`, string(p))
		if err != nil {
			return false, fmt.Errorf("half-open transition for %s: %w", p, err)
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			logger.Info("circuit half-open, probing", "provider", p)
		}
		return n == 1, nil
	case domain.CircuitHalfOpen:
		// A probe is already in flight. If its owner crashed, let another
		// worker probe after a full cooldown.
		var updatedAt time.Time
		err := t.db.QueryRowContext(ctx,
			`SELECT updated_at FROM email_provider_health_metrics WHERE provider = $1`,
			string(p)).Scan(&updatedAt)
		if err != nil {
			return false, err
		}
		return t.now().Sub(updatedAt) >= cooldown, nil
	}
	return false, nil
}

// WithBreaker gates op behind the provider's circuit. Returns
// domain.ErrBreakerOpen without calling op when the circuit rejects.
// Outcome recording stays with the caller, which knows latency and result.
func (t *Tracker) WithBreaker(ctx context.Context, p domain.Provider, op func() error) error {
	allowed, err := t.Allow(ctx, p)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%s: %w", p, domain.ErrBreakerOpen)
	}
	return op()
}

// GetMetrics returns the provider's health row, creating a pristine one on
// first touch.
func (t *Tracker) GetMetrics(ctx context.Context, p domain.Provider) (domain.HealthMetrics, error) {
	m := domain.HealthMetrics{Provider: p, HealthScore: 100, CircuitState: domain.CircuitClosed}

	var lastFailure sql.NullTime
	var lastError sql.NullString
	var state string
	err := t.db.QueryRowContext(ctx, `
		SELECT health_score, total_requests, successful_requests, failed_requests,
		       consecutive_failures, average_latency_ms, circuit_state,
		       last_failure_time, last_error, measurement_window_start
		FROM email_provider_health_metrics
		WHERE provider = $1
	`, string(p)).Scan(&m.HealthScore, &m.TotalRequests, &m.SuccessfulRequests,
		&m.FailedRequests, &m.ConsecutiveFailures, &m.AverageLatencyMs, &state,
		&lastFailure, &lastError, &m.MeasurementWindowStart)
	if err == sql.ErrNoRows {
		if err := t.ensureRow(ctx, p); err != nil {
			return m, err
		}
		m.MeasurementWindowStart = t.now().UTC()
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("read health row for %s: %w", p, err)
	}

	m.CircuitState = domain.CircuitState(state)
	if lastFailure.Valid {
		ts := lastFailure.Time
		m.LastFailureTime = &ts
	}
	if lastError.Valid {
		m.LastError = lastError.String
	}
	return m, nil
}

// ListMetrics returns health rows for all known providers.
func (t *Tracker) ListMetrics(ctx context.Context) ([]domain.HealthMetrics, error) {
	out := make([]domain.HealthMetrics, 0, len(domain.AllProviders()))
	for _, p := range domain.AllProviders() {
		m, err := t.GetMetrics(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// lockRow reads the provider's row FOR UPDATE inside tx, creating it first
// if missing.
func (t *Tracker) lockRow(ctx context.Context, tx *sql.Tx, p domain.Provider) (*domain.HealthMetrics, error) {
	m := &domain.HealthMetrics{Provider: p, CircuitState: domain.CircuitClosed, HealthScore: 100}

	query := `
		SELECT health_score, total_requests, successful_requests, failed_requests,
		       consecutive_failures, average_latency_ms, circuit_state,
		       last_failure_time, last_error
		FROM email_provider_health_metrics
		WHERE provider = $1
		FOR UPDATE`

	scan := func() error {
		var lastFailure sql.NullTime
		var lastError sql.NullString
		var state string
		err := tx.QueryRowContext(ctx, query, string(p)).Scan(
			&m.HealthScore, &m.TotalRequests, &m.SuccessfulRequests, &m.FailedRequests,
			&m.ConsecutiveFailures, &m.AverageLatencyMs, &state, &lastFailure, &lastError)
		if err != nil {
			return err
		}
		m.CircuitState = domain.CircuitState(state)
		if lastFailure.Valid {
			ts := lastFailure.Time
			m.LastFailureTime = &ts
		}
		if lastError.Valid {
			m.LastError = lastError.String
		}
		return nil
	}

	err := scan()
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO email_provider_health_metrics (provider)
			VALUES ($1)
			ON CONFLICT (provider) DO NOTHING
		`, string(p))
		if err != nil {
			return nil, fmt.Errorf("create health row for %s: %w", p, err)
		}
		err = scan()
	}
	if err != nil {
		return nil, fmt.Errorf("lock health row for %s: %w", p, err)
	}
	return m, nil
}

func (t *Tracker) ensureRow(ctx context.Context, p domain.Provider) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO email_provider_health_metrics (provider)
		VALUES ($1)
		ON CONFLICT (provider) DO NOTHING
	`, string(p))
	if err != nil {
		return fmt.Errorf("create health row for %s: %w", p, err)
	}
	return nil
}

// Package quota implements the per-provider daily send ledger. Counters are
// keyed by (provider, UTC date) so the daily reset is implicit: a new date
// simply starts a fresh row.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/email-relay/internal/domain"
)

// opTimeout bounds every ledger write.
const opTimeout = 5 * time.Second

// Ledger tracks daily send counts per provider in Postgres.
type Ledger struct {
	db     *sql.DB
	limits map[domain.Provider]int
	now    func() time.Time
}

// NewLedger creates a ledger with the configured default daily limits.
func NewLedger(db *sql.DB, limits map[domain.Provider]int) *Ledger {
	if limits == nil {
		limits = map[domain.Provider]int{}
	}
	return &Ledger{db: db, limits: limits, now: time.Now}
}

// DefaultLimit returns the configured daily limit for a provider, falling
// back to the conservative free-tier numbers.
func (l *Ledger) DefaultLimit(p domain.Provider) int {
	if limit, ok := l.limits[p]; ok && limit > 0 {
		return limit
	}
	switch p {
	case domain.ProviderBrevo:
		return 300
	default:
		return 100
	}
}

// Reservation is the outcome of TryReserve.
type Reservation struct {
	Allowed   bool
	Remaining int
}

// TryReserve atomically increments the provider's counter for today iff the
// increment stays within the daily limit. A single conditional upsert keeps
// concurrent workers from over-committing the quota.
func (l *Ledger) TryReserve(ctx context.Context, p domain.Provider, n int) (Reservation, error) {
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	date := l.today()
	limit := l.DefaultLimit(p)

	var sent, dailyLimit int
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO email_provider_quota (provider, date_utc, emails_sent, daily_limit)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, date_utc) DO UPDATE
		SET emails_sent = email_provider_quota.emails_sent + $3,
		    updated_at = NOW()
		WHERE email_provider_quota.emails_sent + $3 <= email_provider_quota.daily_limit
		RETURNING emails_sent, daily_limit
	`, string(p), date, n, limit).Scan(&sent, &dailyLimit)

	if err == sql.ErrNoRows {
		// Conditional update declined: quota exhausted.
		remaining, rerr := l.remaining(ctx, p, date)
		if rerr != nil {
			remaining = 0
		}
		return Reservation{Allowed: false, Remaining: remaining}, nil
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve quota for %s: %w", p, err)
	}
	if sent > dailyLimit {
		// Fresh insert that already exceeds the limit (n > daily_limit).
		// Roll it back and deny.
		if rerr := l.Refund(ctx, p, n); rerr != nil {
			return Reservation{}, rerr
		}
		return Reservation{Allowed: false, Remaining: dailyLimit - (sent - n)}, nil
	}

	return Reservation{Allowed: true, Remaining: dailyLimit - sent}, nil
}

// Refund returns n reservations to today's counter. Only used when the
// reservation was abandoned before any upstream call was made; attempts
// that reached the provider keep their quota even on failure.
func (l *Ledger) Refund(ctx context.Context, p domain.Provider, n int) error {
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `
		UPDATE email_provider_quota
		SET emails_sent = GREATEST(emails_sent - $3, 0), updated_at = NOW()
		WHERE provider = $1 AND date_utc = $2
	`, string(p), l.today(), n)
	if err != nil {
		return fmt.Errorf("refund quota for %s: %w", p, err)
	}
	return nil
}

// SetDailyLimit overrides today's limit for a provider. The health monitor
// uses this to sync the SES limit from GetSendQuota.
func (l *Ledger) SetDailyLimit(ctx context.Context, p domain.Provider, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("daily limit for %s must be positive, got %d", p, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO email_provider_quota (provider, date_utc, emails_sent, daily_limit)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (provider, date_utc) DO UPDATE
		SET daily_limit = $3, updated_at = NOW()
	`, string(p), l.today(), limit)
	if err != nil {
		return fmt.Errorf("set daily limit for %s: %w", p, err)
	}
	return nil
}

// HasHeadroom reports whether the provider can still send today without
// consuming quota. Routing uses it as a cheap pre-check.
func (l *Ledger) HasHeadroom(ctx context.Context, p domain.Provider) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	remaining, err := l.remaining(ctx, p, l.today())
	if err != nil {
		return false, err
	}
	return remaining > 0, nil
}

// Snapshot returns today's ledger rows for every known provider, including
// providers that have not sent yet.
func (l *Ledger) Snapshot(ctx context.Context) ([]domain.QuotaStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	date := l.today()
	rows, err := l.db.QueryContext(ctx, `
		SELECT provider, emails_sent, daily_limit, updated_at
		FROM email_provider_quota
		WHERE date_utc = $1
	`, date)
	if err != nil {
		return nil, fmt.Errorf("quota snapshot: %w", err)
	}
	defer rows.Close()

	byProvider := make(map[domain.Provider]domain.QuotaStatus)
	for rows.Next() {
		var s domain.QuotaStatus
		var p string
		if err := rows.Scan(&p, &s.EmailsSent, &s.DailyLimit, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan quota row: %w", err)
		}
		s.Provider = domain.Provider(p)
		byProvider[s.Provider] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.QuotaStatus, 0, len(domain.AllProviders()))
	for _, p := range domain.AllProviders() {
		s, ok := byProvider[p]
		if !ok {
			s = domain.QuotaStatus{Provider: p, DailyLimit: l.DefaultLimit(p)}
		}
		s.Date = date
		s.Remaining = s.DailyLimit - s.EmailsSent
		if s.DailyLimit > 0 {
			s.PctUsed = float64(s.EmailsSent) / float64(s.DailyLimit) * 100
		}
		out = append(out, s)
	}
	return out, nil
}

func (l *Ledger) remaining(ctx context.Context, p domain.Provider, date string) (int, error) {
	var sent, limit int
	err := l.db.QueryRowContext(ctx, `
		SELECT emails_sent, daily_limit FROM email_provider_quota
		WHERE provider = $1 AND date_utc = $2
	`, string(p), date).Scan(&sent, &limit)
	if err == sql.ErrNoRows {
		return l.DefaultLimit(p), nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota for %s: %w", p, err)
	}
	return limit - sent, nil
}

func (l *Ledger) today() string {
	return l.now().UTC().Format("2006-01-02")
}

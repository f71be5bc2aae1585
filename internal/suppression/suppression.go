// Package suppression maintains the do-not-contact list. Recipients land
// here when a provider reports a permanent failure (hard bounce, invalid
// address) or when an operator adds them by hand. Enqueue checks the list
// before accepting work.
package suppression

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

const opTimeout = 5 * time.Second

// Store owns the email_suppression table.
type Store struct {
	db *sql.DB
}

// NewStore creates a suppression store over the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// normalize lowercases and trims so lookups are case-insensitive.
func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsSuppressed reports whether the recipient is on the list.
func (s *Store) IsSuppressed(ctx context.Context, email string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM email_suppression WHERE email = $1)`,
		normalize(email)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("suppression lookup: %w", err)
	}
	return exists, nil
}

// Suppress adds a recipient. Re-suppressing keeps the original reason and
// timestamp; the first permanent failure is the interesting one.
func (s *Store) Suppress(ctx context.Context, email, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO email_suppression (email, reason)
		VALUES ($1, $2)
		ON CONFLICT (email) DO NOTHING
	`, normalize(email), domain.TruncateError(reason, 500))
	if err != nil {
		return fmt.Errorf("suppress recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		logger.Info("recipient suppressed", "email", email, "reason", reason)
	}
	return nil
}

// Unsuppress removes a recipient. Operator action; returns sql.ErrNoRows if
// the recipient was not on the list.
func (s *Store) Unsuppress(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM email_suppression WHERE email = $1`, normalize(email))
	if err != nil {
		return fmt.Errorf("unsuppress recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	logger.Info("recipient unsuppressed", "email", email)
	return nil
}

// List returns suppression entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]domain.SuppressionEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, reason, created_at
		FROM email_suppression
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.SuppressionEntry
	for rows.Next() {
		var e domain.SuppressionEntry
		if err := rows.Scan(&e.Email, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suppression entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

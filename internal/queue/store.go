// Package queue implements the durable email queue over Postgres. Claiming
// uses FOR UPDATE SKIP LOCKED so concurrent workers never double-send, and
// every completing transition is scoped by claim token so a reaped claim
// cannot race its original owner.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

const opTimeout = 10 * time.Second

// Store owns the email_queue, email_logs, and email_dead_letter_queue tables.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a queue store over the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Enqueue inserts a new queued email and returns its id. When req.DedupKey
// matches an existing non-terminal row the existing id comes back instead;
// completed and dead rows never block a fresh enqueue.
func (s *Store) Enqueue(ctx context.Context, req domain.EnqueueRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if req.DedupKey != "" {
		if id, ok, err := s.findActiveDedup(ctx, req.DedupKey); err != nil {
			return "", err
		} else if ok {
			return id, nil
		}
	}

	payload, err := json.Marshal(req.Content)
	if err != nil {
		return "", fmt.Errorf("marshal template data: %w", err)
	}

	id := uuid.NewString()
	scheduledAt := s.now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	var dedup interface{}
	if req.DedupKey != "" {
		dedup = req.DedupKey
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO email_queue
			(id, recipient_email, email_type, template_data, max_attempts, status, next_retry_at, dedup_key)
		VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7)
	`, id, req.To, string(req.Type), payload, maxAttempts, scheduledAt, dedup)
	if err != nil {
		// A concurrent enqueue with the same dedup key beat us to the
		// partial unique index; return the winner's id.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && req.DedupKey != "" {
			if existing, found, ferr := s.findActiveDedup(ctx, req.DedupKey); ferr == nil && found {
				return existing, nil
			}
		}
		return "", fmt.Errorf("enqueue email: %w", err)
	}
	return id, nil
}

func (s *Store) findActiveDedup(ctx context.Context, key string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM email_queue
		WHERE dedup_key = $1 AND status IN ('queued', 'in_flight', 'failed_retry')
		LIMIT 1
	`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	return id, true, nil
}

// ClaimReady atomically claims up to limit due emails, flipping them to
// in_flight with a fresh claim token and deadline. Rows whose claim expires
// before the deadline passes are reclaimed by ReapStuck.
func (s *Store) ClaimReady(ctx context.Context, limit int, claimDeadline time.Duration) ([]domain.QueuedEmail, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	token := uuid.NewString()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE email_queue
		SET status = 'in_flight',
		    claim_token = $1,
		    claim_expires_at = NOW() + $2 * INTERVAL '1 second',
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE status IN ('queued', 'failed_retry')
			  AND next_retry_at <= NOW()
			ORDER BY next_retry_at ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient_email, email_type, template_data::text,
		          attempts, max_attempts, next_retry_at, COALESCE(last_error, ''),
		          COALESCE(dedup_key, ''), claim_expires_at, created_at
	`, token, int(claimDeadline.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("claim ready emails: %w", err)
	}
	defer rows.Close()

	var out []domain.QueuedEmail
	for rows.Next() {
		var e domain.QueuedEmail
		var emailType, raw string
		var claimExpires sql.NullTime
		if err := rows.Scan(&e.ID, &e.RecipientEmail, &emailType, &raw,
			&e.Attempts, &e.MaxAttempts, &e.NextRetryAt, &e.LastError,
			&e.DedupKey, &claimExpires, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed email: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.Template); err != nil {
			return nil, fmt.Errorf("decode template data for %s: %w", e.ID, err)
		}
		e.EmailType = domain.EmailType(emailType)
		e.Status = domain.StatusInFlight
		e.ClaimToken = token
		if claimExpires.Valid {
			ts := claimExpires.Time
			e.ClaimExpiresAt = &ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkCompleted finishes a claimed email and appends its success log row.
// The claim token must still match; a reaped and re-claimed row ignores the
// stale owner.
func (s *Store) MarkCompleted(ctx context.Context, id, claimToken string, provider domain.Provider, messageID string, latencyMs int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin completion: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'completed',
		    claim_token = NULL,
		    claim_expires_at = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND status = 'in_flight'
	`, id, claimToken)
	if err != nil {
		return fmt.Errorf("complete email %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete email %s: claim no longer held", id)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO email_logs (attempt_id, queue_id, provider, provider_message_id, status, latency_ms)
		VALUES ($1, $2, $3, $4, 'sent', $5)
	`, uuid.NewString(), id, string(provider), messageID, latencyMs)
	if err != nil {
		return fmt.Errorf("log sent attempt for %s: %w", id, err)
	}
	return tx.Commit()
}

// LogFailure appends a failed-attempt audit row. Provider may be empty when
// no provider was selected.
func (s *Store) LogFailure(ctx context.Context, id string, provider domain.Provider, latencyMs int64, attemptErr string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_logs (attempt_id, queue_id, provider, status, latency_ms, error)
		VALUES ($1, $2, $3, 'failed', $4, $5)
	`, uuid.NewString(), id, string(provider), latencyMs, domain.TruncateError(attemptErr, 500))
	if err != nil {
		return fmt.Errorf("log failed attempt for %s: %w", id, err)
	}
	return nil
}

// RetryOutcome reports what ScheduleRetry decided for a failed email.
type RetryOutcome struct {
	Attempts    int
	MovedToDLQ  bool
	NextRetryAt time.Time
}

// ScheduleRetry increments the attempt counter and either reschedules the
// email with exponential backoff or, once attempts reach max_attempts,
// freezes it into the dead letter queue.
func (s *Store) ScheduleRetry(ctx context.Context, id, claimToken, attemptErr string) (RetryOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("begin retry: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `
		UPDATE email_queue
		SET attempts = attempts + 1,
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND status = 'in_flight'
		RETURNING attempts, max_attempts
	`, id, claimToken, domain.TruncateError(attemptErr, 500)).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return RetryOutcome{}, fmt.Errorf("retry email %s: claim no longer held", id)
	}
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("retry email %s: %w", id, err)
	}

	if attempts >= maxAttempts {
		if err := s.moveToDLQTx(ctx, tx, id); err != nil {
			return RetryOutcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return RetryOutcome{}, err
		}
		logger.Warn("email moved to dead letter queue",
			"queue_id", id, "attempts", attempts)
		return RetryOutcome{Attempts: attempts, MovedToDLQ: true}, nil
	}

	next := s.now().UTC().Add(Backoff(attempts))
	_, err = tx.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'failed_retry',
		    next_retry_at = $2,
		    claim_token = NULL,
		    claim_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id, next)
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("reschedule email %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return RetryOutcome{}, err
	}
	return RetryOutcome{Attempts: attempts, NextRetryAt: next}, nil
}

// MoveToDLQ moves a claimed email straight to the dead letter queue without
// incrementing attempts. Used for permanent failures where retrying can
// never succeed.
func (s *Store) MoveToDLQ(ctx context.Context, id, claimToken, finalError string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dlq move: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE email_queue
		SET last_error = $3, updated_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND status = 'in_flight'
	`, id, claimToken, domain.TruncateError(finalError, 500))
	if err != nil {
		return fmt.Errorf("dlq move for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dlq move for %s: claim no longer held", id)
	}

	if err := s.moveToDLQTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// moveToDLQTx copies the row into email_dead_letter_queue and marks the
// original dead, inside the caller's transaction.
func (s *Store) moveToDLQTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO email_dead_letter_queue
			(id, queue_id, recipient_email, email_type, template_data, attempts, final_error)
		SELECT $2, id, recipient_email, email_type, template_data, attempts, last_error
		FROM email_queue
		WHERE id = $1
	`, id, uuid.NewString())
	if err != nil {
		return fmt.Errorf("copy %s to dlq: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'dead',
		    claim_token = NULL,
		    claim_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark %s dead: %w", id, err)
	}
	return nil
}

// ReapStuck demotes in_flight rows whose claim deadline has passed back to
// failed_retry so the next tick can pick them up. Attempts are not
// incremented; the crash was ours, not the provider's.
func (s *Store) ReapStuck(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'failed_retry',
		    claim_token = NULL,
		    claim_expires_at = NULL,
		    updated_at = NOW()
		WHERE status = 'in_flight' AND claim_expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("reap stuck claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Warn("reaped expired claims", "count", n)
	}
	return n, nil
}

// Stats returns the queue depth per status plus the dead letter count.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	stats := map[string]int64{
		string(domain.StatusQueued):      0,
		string(domain.StatusInFlight):    0,
		string(domain.StatusCompleted):   0,
		string(domain.StatusFailedRetry): 0,
		string(domain.StatusDead):        0,
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM email_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var dlq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_dead_letter_queue`).Scan(&dlq); err != nil {
		return nil, fmt.Errorf("dlq count: %w", err)
	}
	stats["dead_letter"] = dlq
	return stats, nil
}

// ListDeadLetters returns the most recent dead letter entries.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue_id, recipient_email, email_type, template_data::text,
		       attempts, COALESCE(final_error, ''), failed_at
		FROM email_dead_letter_queue
		ORDER BY failed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterEntry
	for rows.Next() {
		var e domain.DeadLetterEntry
		var emailType, raw string
		if err := rows.Scan(&e.ID, &e.QueueID, &e.RecipientEmail, &emailType,
			&raw, &e.Attempts, &e.FinalError, &e.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.Template); err != nil {
			return nil, fmt.Errorf("decode dead letter template %s: %w", e.ID, err)
		}
		e.EmailType = domain.EmailType(emailType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RequeueDeadLetter resets the dead row behind a DLQ entry back to queued
// with zeroed attempts and removes the DLQ mirror, keeping dead rows and
// mirrors in one-to-one correspondence. The row keeps its original
// max_attempts and dedup_key. Operator action for fixed upstream problems.
func (s *Store) RequeueDeadLetter(ctx context.Context, dlqID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback()

	var queueID string
	err = tx.QueryRowContext(ctx, `
		UPDATE email_queue q
		SET status = 'queued',
		    attempts = 0,
		    last_error = NULL,
		    next_retry_at = NOW(),
		    claim_token = NULL,
		    claim_expires_at = NULL,
		    updated_at = NOW()
		FROM email_dead_letter_queue d
		WHERE d.id = $1 AND q.id = d.queue_id
		RETURNING q.id
	`, dlqID).Scan(&queueID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("requeue %s: %w", dlqID, sql.ErrNoRows)
	}
	if err != nil {
		return "", fmt.Errorf("requeue %s: %w", dlqID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM email_dead_letter_queue WHERE id = $1`, dlqID); err != nil {
		return "", fmt.Errorf("remove dead letter %s: %w", dlqID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	logger.Info("dead letter requeued", "dlq_id", dlqID, "queue_id", queueID)
	return queueID, nil
}

// CleanupLogs deletes email_logs rows older than the retention window, at
// most batchSize per call.
func (s *Store) CleanupLogs(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if batchSize <= 0 {
		batchSize = 1000
	}
	cutoff := s.now().UTC().Add(-retention)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM email_logs
		WHERE attempt_id IN (
			SELECT attempt_id FROM email_logs
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("cleanup email logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Package database owns the schema for the tables the delivery engine reads
// and writes. Table names are contractual; other services query them too.
package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Statements is the ordered DDL for the engine's tables. Every statement is
// idempotent so Migrate can run on every boot.
var Statements = []string{
	`CREATE TABLE IF NOT EXISTS email_queue (
		id UUID PRIMARY KEY,
		recipient_email TEXT NOT NULL,
		email_type TEXT NOT NULL,
		template_data JSONB NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'queued',
		next_retry_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_error TEXT,
		dedup_key TEXT,
		claim_token UUID,
		claim_expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_queue_ready
		ON email_queue (next_retry_at, created_at)
		WHERE status IN ('queued', 'failed_retry')`,
	`CREATE INDEX IF NOT EXISTS idx_email_queue_claims
		ON email_queue (claim_expires_at)
		WHERE status = 'in_flight'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_email_queue_dedup
		ON email_queue (dedup_key)
		WHERE dedup_key IS NOT NULL AND status IN ('queued', 'in_flight', 'failed_retry')`,

	`CREATE TABLE IF NOT EXISTS email_logs (
		attempt_id UUID PRIMARY KEY,
		queue_id UUID NOT NULL,
		provider TEXT NOT NULL,
		provider_message_id TEXT,
		status TEXT NOT NULL,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_logs_queue ON email_logs (queue_id)`,
	`CREATE INDEX IF NOT EXISTS idx_email_logs_created ON email_logs (created_at)`,

	`CREATE TABLE IF NOT EXISTS email_provider_quota (
		provider TEXT NOT NULL,
		date_utc DATE NOT NULL,
		emails_sent INT NOT NULL DEFAULT 0,
		daily_limit INT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (provider, date_utc)
	)`,

	`CREATE TABLE IF NOT EXISTS email_provider_health_metrics (
		provider TEXT PRIMARY KEY,
		health_score DOUBLE PRECISION NOT NULL DEFAULT 100,
		total_requests BIGINT NOT NULL DEFAULT 0,
		successful_requests BIGINT NOT NULL DEFAULT 0,
		failed_requests BIGINT NOT NULL DEFAULT 0,
		consecutive_failures INT NOT NULL DEFAULT 0,
		average_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		circuit_state TEXT NOT NULL DEFAULT 'closed',
		last_failure_time TIMESTAMPTZ,
		last_error TEXT,
		measurement_window_start TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS email_provider_health_history (
		id BIGSERIAL PRIMARY KEY,
		provider TEXT NOT NULL,
		snapshot_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		health_score DOUBLE PRECISION NOT NULL,
		success_rate DOUBLE PRECISION NOT NULL,
		avg_latency_ms DOUBLE PRECISION NOT NULL,
		total_requests BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_health_history_provider
		ON email_provider_health_history (provider, snapshot_at)`,

	`CREATE TABLE IF NOT EXISTS email_dead_letter_queue (
		id UUID PRIMARY KEY,
		queue_id UUID NOT NULL,
		recipient_email TEXT NOT NULL,
		email_type TEXT NOT NULL,
		template_data JSONB NOT NULL,
		attempts INT NOT NULL,
		final_error TEXT,
		failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dlq_queue ON email_dead_letter_queue (queue_id)`,

	`CREATE TABLE IF NOT EXISTS email_suppression (
		email TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema. Safe to call on every boot.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range Statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	return nil
}

package queue

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/email-relay/internal/domain"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewStore(db)
	s.now = func() time.Time {
		return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	}
	return s, mock
}

func enqueueReq() domain.EnqueueRequest {
	return domain.EnqueueRequest{
		To:   "user@example.com",
		Type: domain.TypeAuth,
		Content: domain.TemplateData{
			Subject: "Verify your account",
			HTML:    "<p>Hello</p>",
		},
	}
}

func TestEnqueueInsertsRow(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO email_queue").
		WithArgs(sqlmock.AnyArg(), "user@example.com", "auth", sqlmock.AnyArg(), 5, sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.Enqueue(context.Background(), enqueueReq())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Error("empty id returned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEnqueueDedupReturnsExisting(t *testing.T) {
	s, mock := newTestStore(t)

	req := enqueueReq()
	req.DedupKey = "welcome:user@example.com"

	mock.ExpectQuery("SELECT id FROM email_queue").
		WithArgs(req.DedupKey).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))

	id, err := s.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id != "existing-id" {
		t.Errorf("id = %q, want the active duplicate's id", id)
	}
}

func TestEnqueueHonorsScheduledAtAndMaxAttempts(t *testing.T) {
	s, mock := newTestStore(t)

	later := time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)
	req := enqueueReq()
	req.ScheduledAt = &later
	req.MaxAttempts = 3

	mock.ExpectExec("INSERT INTO email_queue").
		WithArgs(sqlmock.AnyArg(), "user@example.com", "auth", sqlmock.AnyArg(), 3, later, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := s.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimReady(t *testing.T) {
	s, mock := newTestStore(t)

	deadline := time.Date(2024, 3, 15, 10, 2, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "recipient_email", "email_type", "template_data",
		"attempts", "max_attempts", "next_retry_at", "last_error",
		"dedup_key", "claim_expires_at", "created_at",
	}).AddRow("id-1", "a@example.com", "auth", `{"subject":"s","html":"<p>h</p>"}`,
		0, 5, time.Now(), "", "", deadline, time.Now())

	mock.ExpectQuery("UPDATE email_queue").
		WithArgs(sqlmock.AnyArg(), 120, 100).
		WillReturnRows(rows)

	batch, err := s.ClaimReady(context.Background(), 100, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimReady: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("got %d emails, want 1", len(batch))
	}
	e := batch[0]
	if e.Status != domain.StatusInFlight {
		t.Errorf("status = %s, want in_flight", e.Status)
	}
	if e.ClaimToken == "" {
		t.Error("claim token not set")
	}
	if e.Template.Subject != "s" || e.Template.HTML != "<p>h</p>" {
		t.Errorf("template not decoded: %+v", e.Template)
	}
	if e.ClaimExpiresAt == nil || !e.ClaimExpiresAt.Equal(deadline) {
		t.Errorf("claim deadline = %v, want %v", e.ClaimExpiresAt, deadline)
	}
}

func TestMarkCompleted(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE email_queue").
		WithArgs("id-1", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO email_logs").
		WithArgs(sqlmock.AnyArg(), "id-1", "resend", "msg-9", int64(321)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.MarkCompleted(context.Background(), "id-1", "token-1", domain.ProviderResend, "msg-9", 321)
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkCompletedStaleClaim(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE email_queue").
		WithArgs("id-1", "stale-token").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.MarkCompleted(context.Background(), "id-1", "stale-token", domain.ProviderResend, "msg", 10)
	if err == nil {
		t.Error("stale claim completion succeeded, want error")
	}
}

func TestScheduleRetryReschedules(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE email_queue").
		WithArgs("id-1", "token-1", "timeout").
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(2, 5))
	mock.ExpectExec("UPDATE email_queue").
		WithArgs("id-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := s.ScheduleRetry(context.Background(), "id-1", "token-1", "timeout")
	if err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	if out.MovedToDLQ {
		t.Error("moved to DLQ below max attempts")
	}
	if out.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", out.Attempts)
	}

	// Second retry lands inside the attempt-2 backoff window.
	delay := out.NextRetryAt.Sub(s.now().UTC())
	if delay < 120*time.Second || delay >= 240*time.Second {
		t.Errorf("retry delay = %v, want [2m, 4m)", delay)
	}
}

func TestScheduleRetryExhaustedMovesToDLQ(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE email_queue").
		WithArgs("id-1", "token-1", "still failing").
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(5, 5))
	mock.ExpectExec("INSERT INTO email_dead_letter_queue").
		WithArgs("id-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE email_queue").
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := s.ScheduleRetry(context.Background(), "id-1", "token-1", "still failing")
	if err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	if !out.MovedToDLQ {
		t.Error("attempts reached max but row was not dead-lettered")
	}
}

func TestReapStuck(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("UPDATE email_queue").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.ReapStuck(context.Background())
	if err != nil {
		t.Fatalf("ReapStuck: %v", err)
	}
	if n != 3 {
		t.Errorf("reaped = %d, want 3", n)
	}
}

func TestStats(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 7).
			AddRow("completed", 42))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["queued"] != 7 || stats["completed"] != 42 || stats["dead_letter"] != 2 {
		t.Errorf("stats = %v", stats)
	}
	if stats["in_flight"] != 0 {
		t.Errorf("missing statuses should be zeroed, got %v", stats)
	}
}

func TestRequeueDeadLetterResetsOriginalRow(t *testing.T) {
	s, mock := newTestStore(t)

	// The dead row itself goes back to queued and the mirror is removed in
	// the same transaction; no new row is created.
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE email_queue").
		WithArgs("dlq-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("q1"))
	mock.ExpectExec("DELETE FROM email_dead_letter_queue").
		WithArgs("dlq-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := s.RequeueDeadLetter(context.Background(), "dlq-1")
	if err != nil {
		t.Fatalf("RequeueDeadLetter: %v", err)
	}
	if id != "q1" {
		t.Errorf("id = %q, want the original queue row q1", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRequeueDeadLetterMissing(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE email_queue").
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := s.RequeueDeadLetter(context.Background(), "gone")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

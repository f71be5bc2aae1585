package quota

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/email-relay/internal/domain"
)

func newTestLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	l := NewLedger(db, map[domain.Provider]int{
		domain.ProviderResend: 100,
		domain.ProviderBrevo:  300,
		domain.ProviderSES:    100,
	})
	l.now = func() time.Time {
		return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	}
	return l, mock
}

func TestDefaultLimit(t *testing.T) {
	l := NewLedger(nil, nil)
	tests := []struct {
		p    domain.Provider
		want int
	}{
		{domain.ProviderResend, 100},
		{domain.ProviderBrevo, 300},
		{domain.ProviderSES, 100},
	}
	for _, tt := range tests {
		if got := l.DefaultLimit(tt.p); got != tt.want {
			t.Errorf("DefaultLimit(%s) = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestTryReserveAllowed(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectQuery("INSERT INTO email_provider_quota").
		WithArgs("resend", "2024-03-15", 1, 100).
		WillReturnRows(sqlmock.NewRows([]string{"emails_sent", "daily_limit"}).AddRow(5, 100))

	res, err := l.TryReserve(context.Background(), domain.ProviderResend, 1)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if !res.Allowed || res.Remaining != 95 {
		t.Errorf("got %+v, want allowed with 95 remaining", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTryReserveExhausted(t *testing.T) {
	l, mock := newTestLedger(t)

	// The conditional upsert returns no rows when the counter is full.
	mock.ExpectQuery("INSERT INTO email_provider_quota").
		WithArgs("resend", "2024-03-15", 1, 100).
		WillReturnRows(sqlmock.NewRows([]string{"emails_sent", "daily_limit"}))
	mock.ExpectQuery("SELECT emails_sent, daily_limit FROM email_provider_quota").
		WithArgs("resend", "2024-03-15").
		WillReturnRows(sqlmock.NewRows([]string{"emails_sent", "daily_limit"}).AddRow(100, 100))

	res, err := l.TryReserve(context.Background(), domain.ProviderResend, 1)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if res.Allowed {
		t.Error("reservation allowed past the daily limit")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
}

func TestRefund(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectExec("UPDATE email_provider_quota").
		WithArgs("ses", "2024-03-15", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := l.Refund(context.Background(), domain.ProviderSES, 1); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSetDailyLimitRejectsNonPositive(t *testing.T) {
	l, _ := newTestLedger(t)
	if err := l.SetDailyLimit(context.Background(), domain.ProviderSES, 0); err == nil {
		t.Error("zero limit accepted")
	}
}

func TestHasHeadroom(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectQuery("SELECT emails_sent, daily_limit FROM email_provider_quota").
		WithArgs("brevo", "2024-03-15").
		WillReturnRows(sqlmock.NewRows([]string{"emails_sent", "daily_limit"}).AddRow(299, 300))

	ok, err := l.HasHeadroom(context.Background(), domain.ProviderBrevo)
	if err != nil || !ok {
		t.Errorf("HasHeadroom = %v, %v; want true", ok, err)
	}

	mock.ExpectQuery("SELECT emails_sent, daily_limit FROM email_provider_quota").
		WithArgs("brevo", "2024-03-15").
		WillReturnRows(sqlmock.NewRows([]string{"emails_sent", "daily_limit"}).AddRow(300, 300))

	ok, err = l.HasHeadroom(context.Background(), domain.ProviderBrevo)
	if err != nil || ok {
		t.Errorf("HasHeadroom at limit = %v, %v; want false", ok, err)
	}
}

func TestHasHeadroomNoRowUsesDefault(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectQuery("SELECT emails_sent, daily_limit FROM email_provider_quota").
		WithArgs("resend", "2024-03-15").
		WillReturnRows(sqlmock.NewRows([]string{"emails_sent", "daily_limit"}))

	ok, err := l.HasHeadroom(context.Background(), domain.ProviderResend)
	if err != nil || !ok {
		t.Errorf("HasHeadroom with no row = %v, %v; want true", ok, err)
	}
}

func TestSnapshotIncludesIdleProviders(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectQuery("SELECT provider, emails_sent, daily_limit, updated_at").
		WithArgs("2024-03-15").
		WillReturnRows(sqlmock.NewRows([]string{"provider", "emails_sent", "daily_limit", "updated_at"}).
			AddRow("resend", 40, 100, time.Now()))

	snap, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("got %d rows, want one per provider", len(snap))
	}

	byProvider := map[domain.Provider]domain.QuotaStatus{}
	for _, s := range snap {
		byProvider[s.Provider] = s
	}
	if got := byProvider[domain.ProviderResend]; got.Remaining != 60 || got.PctUsed != 40 {
		t.Errorf("resend row = %+v", got)
	}
	if got := byProvider[domain.ProviderBrevo]; got.EmailsSent != 0 || got.DailyLimit != 300 {
		t.Errorf("idle brevo row = %+v, want zeroed with default limit", got)
	}
}

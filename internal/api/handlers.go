// Package api exposes the delivery engine over HTTP: the producer enqueue
// endpoint, the two scheduler-triggered tick endpoints, and the operator
// surface (queue stats, provider health, quotas, DLQ, suppression).
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/monitor"
	"github.com/ignite/email-relay/internal/pkg/logger"
	"github.com/ignite/email-relay/internal/worker"
)

// recipientRegex is a shape check only; real validation is the provider's job.
var recipientRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// EnqueueStore is the producer-facing slice of the queue store.
type EnqueueStore interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (string, error)
	Stats(ctx context.Context) (map[string]int64, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error)
	RequeueDeadLetter(ctx context.Context, dlqID string) (string, error)
}

// SuppressionStore is the handlers' view of the suppression list.
type SuppressionStore interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
	Suppress(ctx context.Context, email, reason string) error
	Unsuppress(ctx context.Context, email string) error
	List(ctx context.Context, limit int) ([]domain.SuppressionEntry, error)
}

// HealthReader serves the provider health dashboards.
type HealthReader interface {
	ListMetrics(ctx context.Context) ([]domain.HealthMetrics, error)
	History(ctx context.Context, p domain.Provider, limit int) ([]domain.HealthSnapshot, error)
}

// QuotaReader serves the quota dashboard.
type QuotaReader interface {
	Snapshot(ctx context.Context) ([]domain.QuotaStatus, error)
}

// TickRunner runs one worker tick.
type TickRunner interface {
	Tick(ctx context.Context) (worker.TickResult, error)
}

// MonitorRunner runs one monitor tick.
type MonitorRunner interface {
	Run(ctx context.Context, mode monitor.Mode) (monitor.Result, error)
}

// EnqueueGate rate-limits enqueue requests per recipient.
type EnqueueGate interface {
	AllowKey(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	queue      EnqueueStore
	suppress   SuppressionStore
	health     HealthReader
	quota      QuotaReader
	worker     TickRunner
	monitor    MonitorRunner
	gate       EnqueueGate
	cronSecret string
}

// NewHandlers wires the handler set. gate may be nil to disable enqueue-side
// per-recipient limiting.
func NewHandlers(q EnqueueStore, s SuppressionStore, h HealthReader, qr QuotaReader,
	w TickRunner, m MonitorRunner, gate EnqueueGate, cronSecret string) *Handlers {
	return &Handlers{
		queue:      q,
		suppress:   s,
		health:     h,
		quota:      qr,
		worker:     w,
		monitor:    m,
		gate:       gate,
		cronSecret: cronSecret,
	}
}

// HealthCheck is the unauthenticated liveness probe.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// EnqueueEmail accepts a send request, validates it, applies the suppression
// and dedup checks, and persists it for the worker.
func (h *Handlers) EnqueueEmail(w http.ResponseWriter, r *http.Request) {
	var req domain.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "malformed JSON body")
		return
	}

	if msg := validateEnqueue(&req); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", msg)
		return
	}

	suppressed, err := h.suppress.IsSuppressed(r.Context(), req.To)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "suppression check failed")
		return
	}
	if suppressed {
		writeError(w, http.StatusUnprocessableEntity, "suppressed", "recipient is on the suppression list")
		return
	}

	if h.gate != nil {
		key := "enqueue:" + strings.ToLower(req.To) + ":" + string(req.Type)
		allowed, err := h.gate.AllowKey(r.Context(), key, 10, time.Minute)
		if err != nil {
			logger.Warn("enqueue gate unavailable", "error", err)
		} else if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests for this recipient")
			return
		}
	}

	id, err := h.queue.Enqueue(r.Context(), req)
	if err != nil {
		logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "enqueue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "queued"})
}

func validateEnqueue(req *domain.EnqueueRequest) string {
	req.To = strings.TrimSpace(req.To)
	switch {
	case req.To == "":
		return "to is required"
	case !recipientRegex.MatchString(req.To):
		return "to is not a valid email address"
	case req.Type == "":
		return "type is required"
	case !req.Type.Valid():
		return "unknown email type"
	case strings.TrimSpace(req.Content.Subject) == "":
		return "content.subject is required"
	case strings.TrimSpace(req.Content.HTML) == "":
		return "content.html is required"
	}
	return ""
}

// ProcessQueue runs one worker tick. Scheduler-triggered; cron auth.
func (h *Handlers) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	result, err := h.worker.Tick(r.Context())
	if err != nil {
		logger.Error("queue tick failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// MonitorHealth runs one monitor tick. Scheduler-triggered; cron auth.
func (h *Handlers) MonitorHealth(w http.ResponseWriter, r *http.Request) {
	mode := monitor.ParseMode(r.URL.Query().Get("mode"))
	result, err := h.monitor.Run(r.Context(), mode)
	if err != nil {
		logger.Error("monitor tick failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "monitor failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// QueueStats returns the queue depth per status.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ProvidersHealth returns every provider's current health row.
func (h *Handlers) ProvidersHealth(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.health.ListMetrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "health unavailable")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// ProviderHistory returns recent health snapshots for one provider.
func (h *Handlers) ProviderHistory(w http.ResponseWriter, r *http.Request) {
	p := domain.Provider(chi.URLParam(r, "provider"))
	if !p.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_argument", "unknown provider")
		return
	}
	snapshots, err := h.health.History(r.Context(), p, queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// QuotaSnapshot returns today's ledger for every provider.
func (h *Handlers) QuotaSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.quota.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "quota unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// ListDLQ returns recent dead letter entries.
func (h *Handlers) ListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queue.ListDeadLetters(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "dlq unavailable")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// RequeueDLQ moves a dead letter entry back into the queue.
func (h *Handlers) RequeueDLQ(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	queueID, err := h.queue.RequeueDeadLetter(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "dead letter entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "requeue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": queueID, "status": "queued"})
}

// ListSuppression returns suppression entries, newest first.
func (h *Handlers) ListSuppression(w http.ResponseWriter, r *http.Request) {
	entries, err := h.suppress.List(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "suppression unavailable")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// AddSuppression manually suppresses a recipient.
func (h *Handlers) AddSuppression(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email  string `json:"email"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !recipientRegex.MatchString(strings.TrimSpace(body.Email)) {
		writeError(w, http.StatusBadRequest, "invalid_argument", "valid email is required")
		return
	}
	if body.Reason == "" {
		body.Reason = "manual"
	}
	if err := h.suppress.Suppress(r.Context(), body.Email, body.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "suppress failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "suppressed"})
}

// RemoveSuppression removes a recipient from the list.
func (h *Handlers) RemoveSuppression(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if err := h.suppress.Unsuppress(r.Context(), email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "recipient not suppressed")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "unsuppress failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// cronAuth guards the scheduler-triggered endpoints with the shared token.
func (h *Handlers) cronAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cronSecret == "" {
			writeError(w, http.StatusServiceUnavailable, "unconfigured", "CRON_SECRET not set")
			return
		}
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+h.cronSecret {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid cron token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

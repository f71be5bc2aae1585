// Package worker implements the queue-draining tick: claim a batch under a
// distributed lock, dispatch sends with bounded concurrency, and fold every
// outcome back into the queue, quota, and health state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/pkg/distlock"
	"github.com/ignite/email-relay/internal/pkg/logger"
	"github.com/ignite/email-relay/internal/provider"
	"github.com/ignite/email-relay/internal/queue"
	"github.com/ignite/email-relay/internal/quota"
)

// LockKey is the single-writer tick lock shared by every worker process.
const LockKey = "email.queue.lock"

// QueueStore is the worker's view of the durable queue.
type QueueStore interface {
	ClaimReady(ctx context.Context, limit int, claimDeadline time.Duration) ([]domain.QueuedEmail, error)
	MarkCompleted(ctx context.Context, id, claimToken string, p domain.Provider, messageID string, latencyMs int64) error
	LogFailure(ctx context.Context, id string, p domain.Provider, latencyMs int64, attemptErr string) error
	ScheduleRetry(ctx context.Context, id, claimToken, attemptErr string) (queue.RetryOutcome, error)
	MoveToDLQ(ctx context.Context, id, claimToken, finalError string) error
	ReapStuck(ctx context.Context) (int64, error)
}

// ProviderRouter selects the provider for one email.
type ProviderRouter interface {
	SelectProvider(ctx context.Context, t domain.EmailType, exclude map[domain.Provider]bool) (domain.Provider, error)
}

// HealthRecorder is the worker's view of the circuit breaker and metrics.
type HealthRecorder interface {
	WithBreaker(ctx context.Context, p domain.Provider, op func() error) error
	RecordOutcome(ctx context.Context, p domain.Provider, success bool, latencyMs int64, attemptErr error) error
}

// QuotaLedger reserves and refunds daily quota.
type QuotaLedger interface {
	TryReserve(ctx context.Context, p domain.Provider, n int) (quota.Reservation, error)
	Refund(ctx context.Context, p domain.Provider, n int) error
}

// RateLimiter admits sends within the per-provider minute window.
type RateLimiter interface {
	AllowProvider(ctx context.Context, p domain.Provider, maxPerMinute int) (bool, error)
}

// Suppressor records recipients that must never be retried.
type Suppressor interface {
	Suppress(ctx context.Context, email, reason string) error
}

// Config tunes one tick.
type Config struct {
	BatchSize     int
	Concurrency   int
	MaxPerMinute  int
	SoftDeadline  time.Duration
	ClaimDeadline time.Duration
	LockTTL       time.Duration
}

// TickResult is what one ProcessQueue invocation reports back.
type TickResult struct {
	Skipped     bool  `json:"skipped,omitempty"`
	Reaped      int64 `json:"reaped,omitempty"`
	Processed   int   `json:"processed"`
	Successful  int   `json:"successful"`
	Failed      int   `json:"failed"`
	RateLimited int   `json:"rate_limited"`
	MovedToDLQ  int   `json:"moved_to_dlq"`
	DurationMs  int64 `json:"duration_ms"`
}

// Worker drains the email queue.
type Worker struct {
	cfg      Config
	queue    QueueStore
	router   ProviderRouter
	health   HealthRecorder
	quota    QuotaLedger
	rate     RateLimiter
	suppress Suppressor
	adapters map[domain.Provider]provider.Adapter
	newLock  func() distlock.DistLock
	now      func() time.Time
}

// New assembles a worker. newLock must return a fresh lock instance per call;
// lock ownership tokens are per-instance.
func New(cfg Config, qs QueueStore, r ProviderRouter, h HealthRecorder, q QuotaLedger,
	rl RateLimiter, sup Suppressor, adapters map[domain.Provider]provider.Adapter,
	newLock func() distlock.DistLock) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.SoftDeadline <= 0 {
		cfg.SoftDeadline = 4 * time.Minute
	}
	if cfg.ClaimDeadline <= 0 {
		cfg.ClaimDeadline = 2 * time.Minute
	}
	return &Worker{
		cfg:      cfg,
		queue:    qs,
		router:   r,
		health:   h,
		quota:    q,
		rate:     rl,
		suppress: sup,
		adapters: adapters,
		newLock:  newLock,
		now:      time.Now,
	}
}

// Tick runs one drain pass. Returns Skipped=true without touching the queue
// when another process holds the tick lock.
func (w *Worker) Tick(ctx context.Context) (TickResult, error) {
	start := w.now()
	var result TickResult

	lock := w.newLock()
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return result, fmt.Errorf("acquire tick lock: %w", err)
	}
	if !acquired {
		result.Skipped = true
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}
	defer func() {
		// Release on a fresh context; the tick context may be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			logger.Warn("tick lock release failed", "error", err)
		}
	}()

	reaped, err := w.queue.ReapStuck(ctx)
	if err != nil {
		return result, err
	}
	result.Reaped = reaped

	batch, err := w.queue.ClaimReady(ctx, w.cfg.BatchSize, w.cfg.ClaimDeadline)
	if err != nil {
		return result, err
	}
	if len(batch) == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	// The soft deadline stops dispatching new work well before the lock TTL;
	// unfinished rows are reaped on a later tick rather than double-sent.
	tickCtx, cancel := context.WithTimeout(ctx, w.cfg.SoftDeadline)
	defer cancel()

	sem := semaphore.NewWeighted(int64(w.cfg.Concurrency))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := range batch {
		if err := sem.Acquire(tickCtx, 1); err != nil {
			// Deadline hit: remaining rows stay in_flight for ReapStuck.
			logger.Warn("tick soft deadline reached",
				"dispatched", result.Processed, "remaining", len(batch)-i)
			break
		}
		mu.Lock()
		result.Processed++
		mu.Unlock()

		email := batch[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			outcome := w.processOne(tickCtx, email)

			mu.Lock()
			switch outcome {
			case outcomeSuccess:
				result.Successful++
			case outcomeRateLimited:
				result.RateLimited++
			case outcomeDLQ:
				result.MovedToDLQ++
			default:
				result.Failed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	result.DurationMs = time.Since(start).Milliseconds()
	logger.Info("tick complete",
		"processed", result.Processed, "successful", result.Successful,
		"failed", result.Failed, "rate_limited", result.RateLimited,
		"moved_to_dlq", result.MovedToDLQ, "duration_ms", result.DurationMs)
	return result, nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeRateLimited
	outcomeDLQ
)

// processOne drives one claimed email through routing, admission, send, and
// bookkeeping. Provider-level exhaustion (quota, open breaker) excludes that
// provider and re-routes; only recipient-level failures touch attempts.
func (w *Worker) processOne(ctx context.Context, email domain.QueuedEmail) outcome {
	exclude := make(map[domain.Provider]bool)

	for {
		p, err := w.router.SelectProvider(ctx, email.EmailType, exclude)
		if err != nil {
			reason := "no provider available"
			if len(exclude) > 0 {
				reason = "quota exhausted"
			}
			return w.scheduleRetry(ctx, email, "", 0, reason)
		}

		rateOK, err := w.rate.AllowProvider(ctx, p, w.cfg.MaxPerMinute)
		if err != nil {
			logger.Warn("rate limiter unavailable", "provider", p, "error", err)
			return w.scheduleRetry(ctx, email, p, 0, "rate limiter unavailable")
		}
		if !rateOK {
			// Not a provider failure; retry later without recording an outcome.
			if _, err := w.queue.ScheduleRetry(ctx, email.ID, email.ClaimToken, "rate limited"); err != nil {
				logger.Error("retry scheduling failed", "queue_id", email.ID, "error", err)
			}
			return outcomeRateLimited
		}

		res, err := w.quota.TryReserve(ctx, p, 1)
		if err != nil {
			return w.scheduleRetry(ctx, email, p, 0, fmt.Sprintf("quota ledger: %v", err))
		}
		if !res.Allowed {
			exclude[p] = true
			continue
		}

		adapter, ok := w.adapters[p]
		if !ok {
			if rerr := w.quota.Refund(ctx, p, 1); rerr != nil {
				logger.Error("quota refund failed", "provider", p, "error", rerr)
			}
			exclude[p] = true
			continue
		}

		out, reroute := w.send(ctx, email, p, adapter)
		if reroute {
			exclude[p] = true
			continue
		}
		return out
	}
}

// send makes the breaker-gated upstream call and applies the outcome. A true
// second return means the provider was unusable without an upstream call
// being made; the caller should exclude it and re-route.
func (w *Worker) send(ctx context.Context, email domain.QueuedEmail, p domain.Provider, adapter provider.Adapter) (outcome, bool) {
	req := &provider.SendRequest{
		To:       email.RecipientEmail,
		Subject:  email.Template.Subject,
		HTML:     email.Template.HTML,
		Text:     email.Template.Text,
		From:     email.Template.From,
		FromName: email.Template.FromName,
		ReplyTo:  email.Template.ReplyTo,
	}

	var result *provider.SendResult
	err := w.health.WithBreaker(ctx, p, func() error {
		var sendErr error
		result, sendErr = adapter.Send(ctx, req)
		return sendErr
	})
	if err != nil {
		// The adapter never reached the provider; the reservation is unused.
		if rerr := w.quota.Refund(ctx, p, 1); rerr != nil {
			logger.Error("quota refund failed", "provider", p, "error", rerr)
		}
		if errors.Is(err, domain.ErrBreakerOpen) || errors.Is(err, domain.ErrUnconfigured) {
			return outcomeRetry, true
		}
		return w.scheduleRetry(ctx, email, p, 0, err.Error()), false
	}

	// Upstream was called: the attempt consumed quota regardless of outcome.
	if rerr := w.health.RecordOutcome(ctx, p, result.Success, result.LatencyMs, result.Err); rerr != nil {
		logger.Error("health record failed", "provider", p, "error", rerr)
	}

	if result.Success {
		if err := w.queue.MarkCompleted(ctx, email.ID, email.ClaimToken, p, result.MessageID, result.LatencyMs); err != nil {
			logger.Error("completion failed", "queue_id", email.ID, "error", err)
			return outcomeRetry, false
		}
		return outcomeSuccess, false
	}

	errMsg := "send failed"
	if result.Err != nil {
		errMsg = result.Err.Error()
	}

	if result.PermanentFailure {
		if err := w.suppress.Suppress(ctx, email.RecipientEmail, errMsg); err != nil {
			logger.Error("suppression failed", "queue_id", email.ID, "error", err)
		}
		if err := w.queue.MoveToDLQ(ctx, email.ID, email.ClaimToken, errMsg); err != nil {
			logger.Error("dlq move failed", "queue_id", email.ID, "error", err)
			return outcomeRetry, false
		}
		if err := w.queue.LogFailure(ctx, email.ID, p, result.LatencyMs, errMsg); err != nil {
			logger.Error("failure log write failed", "queue_id", email.ID, "error", err)
		}
		return outcomeDLQ, false
	}

	return w.scheduleRetry(ctx, email, p, result.LatencyMs, errMsg), false
}

// scheduleRetry logs the failed attempt and reschedules or dead-letters.
func (w *Worker) scheduleRetry(ctx context.Context, email domain.QueuedEmail, p domain.Provider, latencyMs int64, reason string) outcome {
	if err := w.queue.LogFailure(ctx, email.ID, p, latencyMs, reason); err != nil {
		logger.Error("failure log write failed", "queue_id", email.ID, "error", err)
	}

	ro, err := w.queue.ScheduleRetry(ctx, email.ID, email.ClaimToken, reason)
	if err != nil {
		logger.Error("retry scheduling failed", "queue_id", email.ID, "error", err)
		return outcomeRetry
	}
	if ro.MovedToDLQ {
		return outcomeDLQ
	}
	return outcomeRetry
}

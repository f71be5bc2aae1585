// Package router selects the upstream provider for each send. Selection is
// pure with respect to its inputs: it reads health, quota, and rate-limit
// state but mutates nothing.
package router

import (
	"context"
	"time"

	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

// cooldown mirrors the breaker cooldown: an open circuit past it stays a
// candidate so the breaker can admit its half-open probe.
const cooldown = 30 * time.Second

// HealthView is the router's read-only view of provider health.
type HealthView interface {
	GetMetrics(ctx context.Context, p domain.Provider) (domain.HealthMetrics, error)
}

// QuotaView is the router's read-only view of quota headroom.
type QuotaView interface {
	HasHeadroom(ctx context.Context, p domain.Provider) (bool, error)
}

// RateView is the router's non-consuming view of rate-limit headroom.
type RateView interface {
	HasRateHeadroom(ctx context.Context, p domain.Provider, maxPerMinute int) (bool, error)
}

// ConfigView reports which providers have credentials.
type ConfigView interface {
	ListConfigured(ctx context.Context) []domain.Provider
}

// Router applies the selection policy.
type Router struct {
	configured   ConfigView
	health       HealthView
	quota        QuotaView
	rate         RateView
	maxPerMinute int
	now          func() time.Time
}

// New creates a router over the given state views.
func New(configured ConfigView, health HealthView, quota QuotaView, rate RateView, maxPerMinute int) *Router {
	return &Router{
		configured:   configured,
		health:       health,
		quota:        quota,
		rate:         rate,
		maxPerMinute: maxPerMinute,
		now:          time.Now,
	}
}

// PriorityFor returns the provider priority list for an email type. Auth
// mail prefers Resend for deliverability; everything else leads with Brevo's
// larger daily allowance.
func PriorityFor(t domain.EmailType) []domain.Provider {
	if t == domain.TypeAuth {
		return []domain.Provider{domain.ProviderResend, domain.ProviderBrevo, domain.ProviderSES}
	}
	return []domain.Provider{domain.ProviderBrevo, domain.ProviderSES, domain.ProviderResend}
}

// SelectProvider picks the provider for an email type, skipping providers in
// exclude (used when a routing pass already found one exhausted). Among the
// survivors the highest health score wins; ties break by priority order.
// Returns domain.ErrNoProviderAvailable when nothing survives.
func (r *Router) SelectProvider(ctx context.Context, emailType domain.EmailType, exclude map[domain.Provider]bool) (domain.Provider, error) {
	configured := make(map[domain.Provider]bool)
	for _, p := range r.configured.ListConfigured(ctx) {
		configured[p] = true
	}

	var best domain.Provider
	bestScore := -1.0

	for _, p := range PriorityFor(emailType) {
		if exclude[p] || !configured[p] {
			continue
		}

		m, err := r.health.GetMetrics(ctx, p)
		if err != nil {
			logger.Warn("router: health read failed", "provider", p, "error", err)
			continue
		}
		if r.circuitBlocks(m) {
			continue
		}

		if ok, err := r.quota.HasHeadroom(ctx, p); err != nil || !ok {
			if err != nil {
				logger.Warn("router: quota read failed", "provider", p, "error", err)
			}
			continue
		}

		if ok, err := r.rate.HasRateHeadroom(ctx, p, r.maxPerMinute); err != nil || !ok {
			if err != nil {
				logger.Warn("router: rate read failed", "provider", p, "error", err)
			}
			continue
		}

		// Strict comparison keeps the priority-order tiebreak.
		if m.HealthScore > bestScore {
			bestScore = m.HealthScore
			best = p
		}
	}

	if best == "" {
		return "", domain.ErrNoProviderAvailable
	}
	return best, nil
}

// circuitBlocks reports whether the provider's circuit rules it out. An open
// circuit past its cooldown stays routable: the breaker itself decides
// whether the half-open probe is admitted.
func (r *Router) circuitBlocks(m domain.HealthMetrics) bool {
	if m.CircuitState != domain.CircuitOpen {
		return false
	}
	if m.LastFailureTime == nil {
		return false
	}
	return r.now().Sub(*m.LastFailureTime) < cooldown
}

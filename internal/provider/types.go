// Package provider contains the upstream email API adapters. Each adapter
// translates the engine's generic send request into one provider's wire
// protocol and returns a structured outcome, never a raw panic or an
// unclassified error. Adapters are stateless beyond cached credentials and
// must not touch ledger or health state.
//
// Adapters are split into individual files:
//   - resend.go: Resend JSON API (bearer auth)
//   - brevo.go:  Brevo v3 SMTP API (api-key header)
//   - ses.go:    AWS SES classic form-encoded API with SigV4 signing
//   - sigv4.go:  pure Signature Version 4 implementation
package provider

import (
	"context"
	"strings"

	"github.com/ignite/email-relay/internal/domain"
)

// SendRequest is the provider-agnostic send input. Content arrives fully
// rendered; adapters only reshape it for the wire.
type SendRequest struct {
	To       string
	Subject  string
	HTML     string
	Text     string
	From     string
	FromName string
	ReplyTo  string
}

// SendResult is the structured outcome of one upstream send attempt.
type SendResult struct {
	Success          bool
	MessageID        string
	Err              error
	PermanentFailure bool
	LatencyMs        int64
}

// QuotaInfo is the live upstream quota reading.
type QuotaInfo struct {
	DailySent        int
	DailyLimit       int
	MonthlyRemaining int
	Inferred         bool // true when the provider exposes no live counter
}

// PingStatus classifies a health probe result.
type PingStatus string

const (
	PingOK           PingStatus = "ok"
	PingError        PingStatus = "error"
	PingUnconfigured PingStatus = "unconfigured"
)

// PingResult is the outcome of a provider health probe.
type PingResult struct {
	Provider  domain.Provider `json:"provider"`
	Status    PingStatus      `json:"status"`
	LatencyMs int64           `json:"latency_ms"`
	Message   string          `json:"message,omitempty"`
}

// Adapter is the fixed capability set every provider implements.
type Adapter interface {
	Name() domain.Provider
	Send(ctx context.Context, req *SendRequest) (*SendResult, error)
	GetQuotaLive(ctx context.Context) (QuotaInfo, error)
	Ping(ctx context.Context, detailed bool) PingResult
}

// permanentMarkers are substrings of upstream 400/422 bodies that indicate
// the recipient can never be delivered to. Anything else is transient.
var permanentMarkers = []string{
	"invalid_to",
	"invalid recipient",
	"invalid email",
	"invalid_parameter: to",
	"bounce",
	"hard_bounce",
	"blacklisted",
	"blocked",
	"unsubscribed",
	"suppressed",
	"does not exist",
	"mailboxunavailable",
}

// classifyPermanent reports whether an upstream rejection is a permanent
// failure. Only 400/422 with a recognizable recipient-level code qualifies;
// 429 and 5xx are always transient, as are auth failures.
func classifyPermanent(statusCode int, body string) bool {
	if statusCode != 400 && statusCode != 422 {
		return false
	}
	lower := strings.ToLower(body)
	for _, marker := range permanentMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// applyDefaults fills unset sender fields from the configured defaults.
func (r *SendRequest) applyDefaults(from, fromName string) {
	if r.From == "" {
		r.From = from
	}
	if r.FromName == "" {
		r.FromName = fromName
	}
}

// Package domain holds the core types shared across the delivery engine:
// queued emails, per-attempt logs, provider identities, health metrics,
// and the error taxonomy.
package domain

import "time"

// Provider identifies an upstream email API.
type Provider string

const (
	ProviderResend Provider = "resend"
	ProviderBrevo  Provider = "brevo"
	ProviderSES    Provider = "ses"
)

// AllProviders returns every known provider in a stable order.
func AllProviders() []Provider {
	return []Provider{ProviderResend, ProviderBrevo, ProviderSES}
}

// Valid reports whether p names a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderResend, ProviderBrevo, ProviderSES:
		return true
	}
	return false
}

// EmailType classifies a send request and drives provider routing priority.
type EmailType string

const (
	TypeAuth           EmailType = "auth"
	TypeChat           EmailType = "chat"
	TypeFoodListing    EmailType = "food_listing"
	TypeFeedback       EmailType = "feedback"
	TypeReviewReminder EmailType = "review_reminder"
	TypeNewsletter     EmailType = "newsletter"
	TypeAnnouncement   EmailType = "announcement"
)

// Valid reports whether t is one of the recognized email types.
func (t EmailType) Valid() bool {
	switch t {
	case TypeAuth, TypeChat, TypeFoodListing, TypeFeedback,
		TypeReviewReminder, TypeNewsletter, TypeAnnouncement:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a queued email.
type QueueStatus string

const (
	StatusQueued      QueueStatus = "queued"
	StatusInFlight    QueueStatus = "in_flight"
	StatusCompleted   QueueStatus = "completed"
	StatusFailedRetry QueueStatus = "failed_retry"
	StatusDead        QueueStatus = "dead"
)

// TemplateData is the final rendered content supplied by the caller.
// The engine never renders templates itself.
type TemplateData struct {
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
	Text     string `json:"text,omitempty"`
	From     string `json:"from,omitempty"`
	FromName string `json:"from_name,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`
}

// QueuedEmail is the durable record of a send request.
type QueuedEmail struct {
	ID             string
	RecipientEmail string
	EmailType      EmailType
	Template       TemplateData
	Attempts       int
	MaxAttempts    int
	Status         QueueStatus
	NextRetryAt    time.Time
	LastError      string
	DedupKey       string
	ClaimToken     string
	ClaimExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EmailLog is an append-only per-attempt audit record.
type EmailLog struct {
	AttemptID         string
	QueueID           string
	Provider          Provider
	ProviderMessageID string
	Status            string // "sent" or "failed"
	LatencyMs         int64
	Error             string
	CreatedAt         time.Time
}

// DeadLetterEntry is the frozen copy of a QueuedEmail at the moment it
// exceeded max_attempts.
type DeadLetterEntry struct {
	ID             string
	QueueID        string
	RecipientEmail string
	EmailType      EmailType
	Template       TemplateData
	Attempts       int
	FinalError     string
	FailedAt       time.Time
}

// SuppressionEntry records a recipient that must never be contacted again.
type SuppressionEntry struct {
	Email     string
	Reason    string
	CreatedAt time.Time
}

// EnqueueRequest is the producer-facing input.
type EnqueueRequest struct {
	To          string       `json:"to"`
	Type        EmailType    `json:"type"`
	Content     TemplateData `json:"content"`
	DedupKey    string       `json:"dedup_key,omitempty"`
	ScheduledAt *time.Time   `json:"scheduled_at,omitempty"`
	MaxAttempts int          `json:"max_attempts,omitempty"`
}

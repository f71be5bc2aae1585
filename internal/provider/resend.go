package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/pkg/logger"
	"github.com/ignite/email-relay/internal/vault"
)

// ResendAdapter sends emails via the Resend API.
type ResendAdapter struct {
	vault      *vault.Vault
	baseURL    string
	from       string
	fromName   string
	dailyLimit int
	client     *http.Client
}

// NewResendAdapter creates an adapter targeting the Resend API.
func NewResendAdapter(v *vault.Vault, baseURL, from, fromName string, dailyLimit int, timeout time.Duration) *ResendAdapter {
	if baseURL == "" {
		baseURL = "https://api.resend.com"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if dailyLimit <= 0 {
		dailyLimit = 100
	}
	return &ResendAdapter{
		vault:      v,
		baseURL:    baseURL,
		from:       from,
		fromName:   fromName,
		dailyLimit: dailyLimit,
		client:     &http.Client{Timeout: timeout},
	}
}

// Name implements Adapter.
func (a *ResendAdapter) Name() domain.Provider { return domain.ProviderResend }

// Send delivers a single email through Resend. A non-nil error means no
// upstream call was made; upstream rejections come back inside the result.
func (a *ResendAdapter) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	creds, err := a.vault.GetCredentials(ctx, domain.ProviderResend)
	if err != nil {
		return nil, err
	}
	req.applyDefaults(a.from, a.fromName)

	from := req.From
	if req.FromName != "" {
		from = fmt.Sprintf("%s <%s>", req.FromName, req.From)
	}
	payload := map[string]interface{}{
		"from":    from,
		"to":      req.To,
		"subject": req.Subject,
		"html":    req.HTML,
	}
	if req.Text != "" {
		payload["text"] = req.Text
	}
	if req.ReplyTo != "" {
		payload["reply_to"] = req.ReplyTo
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &SendResult{
			Success:   false,
			Err:       &domain.ProviderError{Provider: domain.ProviderResend, Message: err.Error()},
			LatencyMs: latency,
		}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		permanent := classifyPermanent(resp.StatusCode, string(body))
		return &SendResult{
			Success:          false,
			PermanentFailure: permanent,
			LatencyMs:        latency,
			Err: &domain.ProviderError{
				Provider:   domain.ProviderResend,
				StatusCode: resp.StatusCode,
				Permanent:  permanent,
				Message:    string(body),
			},
		}, nil
	}

	var result struct {
		ID string `json:"id"`
		// Some responses nest the id under data.
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	json.Unmarshal(body, &result)
	messageID := result.ID
	if messageID == "" {
		messageID = result.Data.ID
	}

	logger.Debug("resend send accepted", "to", logger.RedactEmail(req.To), "message_id", messageID)

	return &SendResult{
		Success:   true,
		MessageID: messageID,
		LatencyMs: latency,
	}, nil
}

// GetQuotaLive returns the daily limit for Resend. Resend exposes no live
// usage counter, so the reading is inferred from configuration.
func (a *ResendAdapter) GetQuotaLive(ctx context.Context) (QuotaInfo, error) {
	if _, err := a.vault.GetCredentials(ctx, domain.ProviderResend); err != nil {
		return QuotaInfo{}, err
	}
	return QuotaInfo{DailyLimit: a.dailyLimit, Inferred: true}, nil
}

// Ping probes the Resend domains endpoint.
func (a *ResendAdapter) Ping(ctx context.Context, detailed bool) PingResult {
	creds, err := a.vault.GetCredentials(ctx, domain.ProviderResend)
	if err != nil {
		return PingResult{Provider: domain.ProviderResend, Status: PingUnconfigured, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/domains", nil)
	if err != nil {
		return PingResult{Provider: domain.ProviderResend, Status: PingError, Message: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return PingResult{Provider: domain.ProviderResend, Status: PingError, LatencyMs: latency, Message: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return PingResult{
			Provider:  domain.ProviderResend,
			Status:    PingError,
			LatencyMs: latency,
			Message:   fmt.Sprintf("domains endpoint returned %d", resp.StatusCode),
		}
	}

	out := PingResult{Provider: domain.ProviderResend, Status: PingOK, LatencyMs: latency}
	if detailed {
		out.Message = "domains endpoint reachable"
	}
	return out
}

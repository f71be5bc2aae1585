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

// BrevoAdapter sends emails via the Brevo v3 transactional API.
type BrevoAdapter struct {
	vault      *vault.Vault
	baseURL    string
	from       string
	fromName   string
	dailyLimit int
	client     *http.Client
}

// NewBrevoAdapter creates an adapter targeting the Brevo v3 API.
func NewBrevoAdapter(v *vault.Vault, baseURL, from, fromName string, dailyLimit int, timeout time.Duration) *BrevoAdapter {
	if baseURL == "" {
		baseURL = "https://api.brevo.com"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if dailyLimit <= 0 {
		dailyLimit = 300
	}
	return &BrevoAdapter{
		vault:      v,
		baseURL:    baseURL,
		from:       from,
		fromName:   fromName,
		dailyLimit: dailyLimit,
		client:     &http.Client{Timeout: timeout},
	}
}

// Name implements Adapter.
func (a *BrevoAdapter) Name() domain.Provider { return domain.ProviderBrevo }

// Send delivers a single email through Brevo. A non-nil error means no
// upstream call was made; upstream rejections come back inside the result.
func (a *BrevoAdapter) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	creds, err := a.vault.GetCredentials(ctx, domain.ProviderBrevo)
	if err != nil {
		return nil, err
	}
	req.applyDefaults(a.from, a.fromName)

	payload := map[string]interface{}{
		"sender":      map[string]string{"email": req.From, "name": req.FromName},
		"to":          []map[string]string{{"email": req.To}},
		"subject":     req.Subject,
		"htmlContent": req.HTML,
	}
	if req.Text != "" {
		payload["textContent"] = req.Text
	}
	if req.ReplyTo != "" {
		payload["replyTo"] = map[string]string{"email": req.ReplyTo}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v3/smtp/email", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("api-key", creds.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &SendResult{
			Success:   false,
			Err:       &domain.ProviderError{Provider: domain.ProviderBrevo, Message: err.Error()},
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
				Provider:   domain.ProviderBrevo,
				StatusCode: resp.StatusCode,
				Permanent:  permanent,
				Message:    string(body),
			},
		}, nil
	}

	var result struct {
		MessageID string `json:"messageId"`
	}
	json.Unmarshal(body, &result)

	logger.Debug("brevo send accepted", "to", logger.RedactEmail(req.To), "message_id", result.MessageID)

	return &SendResult{
		Success:   true,
		MessageID: result.MessageID,
		LatencyMs: latency,
	}, nil
}

// brevoAccount is the subset of the /v3/account response the engine reads.
type brevoAccount struct {
	Plan []struct {
		Type        string  `json:"type"`
		Credits     float64 `json:"credits"`
		CreditsType string  `json:"creditsType"`
	} `json:"plan"`
}

// GetQuotaLive reads the Brevo account credits. Credits are monthly, so they
// land in MonthlyRemaining; the daily limit stays configuration-driven.
func (a *BrevoAdapter) GetQuotaLive(ctx context.Context) (QuotaInfo, error) {
	account, _, err := a.fetchAccount(ctx)
	if err != nil {
		return QuotaInfo{DailyLimit: a.dailyLimit}, err
	}

	info := QuotaInfo{DailyLimit: a.dailyLimit}
	if len(account.Plan) > 0 {
		info.MonthlyRemaining = int(account.Plan[0].Credits)
	}
	return info, nil
}

// Ping probes the Brevo account endpoint.
func (a *BrevoAdapter) Ping(ctx context.Context, detailed bool) PingResult {
	if _, err := a.vault.GetCredentials(ctx, domain.ProviderBrevo); err != nil {
		return PingResult{Provider: domain.ProviderBrevo, Status: PingUnconfigured, Message: err.Error()}
	}

	account, latency, err := a.fetchAccount(ctx)
	if err != nil {
		return PingResult{Provider: domain.ProviderBrevo, Status: PingError, LatencyMs: latency, Message: err.Error()}
	}

	out := PingResult{Provider: domain.ProviderBrevo, Status: PingOK, LatencyMs: latency}
	if detailed && len(account.Plan) > 0 {
		out.Message = fmt.Sprintf("plan=%s credits=%.0f (%s)",
			account.Plan[0].Type, account.Plan[0].Credits, account.Plan[0].CreditsType)
	}
	return out
}

func (a *BrevoAdapter) fetchAccount(ctx context.Context) (*brevoAccount, int64, error) {
	creds, err := a.vault.GetCredentials(ctx, domain.ProviderBrevo)
	if err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/v3/account", nil)
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("api-key", creds.APIKey)
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, latency, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, latency, fmt.Errorf("brevo account endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var account brevoAccount
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, latency, fmt.Errorf("decode brevo account: %w", err)
	}
	return &account, latency, nil
}

package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/pkg/logger"
	"github.com/ignite/email-relay/internal/vault"
)

// sesSigningService is the service name used in the SigV4 credential scope
// for the classic email.<region>.amazonaws.com API.
const sesSigningService = "ses"

// SESAdapter sends emails via the classic AWS SES API: form-encoded request
// bodies signed with Signature Version 4.
type SESAdapter struct {
	vault      *vault.Vault
	endpoint   string // overridable for tests; empty means region-derived
	from       string
	fromName   string
	dailyLimit int
	client     *http.Client
	now        func() time.Time
}

// NewSESAdapter creates an adapter for the classic SES API.
func NewSESAdapter(v *vault.Vault, endpoint, from, fromName string, dailyLimit int, timeout time.Duration) *SESAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if dailyLimit <= 0 {
		dailyLimit = 100
	}
	return &SESAdapter{
		vault:      v,
		endpoint:   endpoint,
		from:       from,
		fromName:   fromName,
		dailyLimit: dailyLimit,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Name implements Adapter.
func (a *SESAdapter) Name() domain.Provider { return domain.ProviderSES }

func (a *SESAdapter) endpointFor(region string) string {
	if a.endpoint != "" {
		return a.endpoint
	}
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://email.%s.amazonaws.com/", region)
}

// sesSendResponse is the XML envelope of a successful SendEmail call.
type sesSendResponse struct {
	XMLName xml.Name `xml:"SendEmailResponse"`
	Result  struct {
		MessageID string `xml:"MessageId"`
	} `xml:"SendEmailResult"`
}

// sesQuotaResponse is the XML envelope of a GetSendQuota call.
type sesQuotaResponse struct {
	XMLName xml.Name `xml:"GetSendQuotaResponse"`
	Result  struct {
		Max24HourSend   float64 `xml:"Max24HourSend"`
		MaxSendRate     float64 `xml:"MaxSendRate"`
		SentLast24Hours float64 `xml:"SentLast24Hours"`
	} `xml:"GetSendQuotaResult"`
}

// Send delivers a single email through SES. A non-nil error means no
// upstream call was made; upstream rejections come back inside the result.
func (a *SESAdapter) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	creds, err := a.vault.GetCredentials(ctx, domain.ProviderSES)
	if err != nil {
		return nil, err
	}
	req.applyDefaults(a.from, a.fromName)

	source := req.From
	if req.FromName != "" {
		source = fmt.Sprintf("%s <%s>", req.FromName, req.From)
	}

	form := url.Values{}
	form.Set("Action", "SendEmail")
	form.Set("Source", source)
	form.Set("Destination.ToAddresses.member.1", req.To)
	form.Set("Message.Subject.Data", req.Subject)
	form.Set("Message.Subject.Charset", "UTF-8")
	form.Set("Message.Body.Html.Data", req.HTML)
	form.Set("Message.Body.Html.Charset", "UTF-8")
	if req.Text != "" {
		form.Set("Message.Body.Text.Data", req.Text)
		form.Set("Message.Body.Text.Charset", "UTF-8")
	}
	if req.ReplyTo != "" {
		form.Set("ReplyToAddresses.member.1", req.ReplyTo)
	}

	status, body, latency, err := a.signedPost(ctx, creds, []byte(form.Encode()))
	if err != nil {
		return &SendResult{
			Success:   false,
			Err:       &domain.ProviderError{Provider: domain.ProviderSES, Message: err.Error()},
			LatencyMs: latency,
		}, nil
	}

	if status >= 400 {
		permanent := classifyPermanent(status, string(body))
		return &SendResult{
			Success:          false,
			PermanentFailure: permanent,
			LatencyMs:        latency,
			Err: &domain.ProviderError{
				Provider:   domain.ProviderSES,
				StatusCode: status,
				Permanent:  permanent,
				Message:    string(body),
			},
		}, nil
	}

	var parsed sesSendResponse
	xml.Unmarshal(body, &parsed)

	logger.Debug("ses send accepted", "to", logger.RedactEmail(req.To), "message_id", parsed.Result.MessageID)

	return &SendResult{
		Success:   true,
		MessageID: parsed.Result.MessageID,
		LatencyMs: latency,
	}, nil
}

// GetQuotaLive calls GetSendQuota and returns the live 24-hour counters.
func (a *SESAdapter) GetQuotaLive(ctx context.Context) (QuotaInfo, error) {
	creds, err := a.vault.GetCredentials(ctx, domain.ProviderSES)
	if err != nil {
		return QuotaInfo{}, err
	}

	form := url.Values{}
	form.Set("Action", "GetSendQuota")

	status, body, _, err := a.signedPost(ctx, creds, []byte(form.Encode()))
	if err != nil {
		return QuotaInfo{}, err
	}
	if status >= 400 {
		return QuotaInfo{}, fmt.Errorf("ses GetSendQuota returned %d: %s", status, string(body))
	}

	var parsed sesQuotaResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return QuotaInfo{}, fmt.Errorf("decode GetSendQuota response: %w", err)
	}

	limit := int(parsed.Result.Max24HourSend)
	if limit <= 0 {
		limit = a.dailyLimit
	}
	return QuotaInfo{
		DailySent:  int(parsed.Result.SentLast24Hours),
		DailyLimit: limit,
	}, nil
}

// Ping probes SES with a GetSendQuota call.
func (a *SESAdapter) Ping(ctx context.Context, detailed bool) PingResult {
	if _, err := a.vault.GetCredentials(ctx, domain.ProviderSES); err != nil {
		return PingResult{Provider: domain.ProviderSES, Status: PingUnconfigured, Message: err.Error()}
	}

	start := time.Now()
	quota, err := a.GetQuotaLive(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return PingResult{Provider: domain.ProviderSES, Status: PingError, LatencyMs: latency, Message: err.Error()}
	}

	out := PingResult{Provider: domain.ProviderSES, Status: PingOK, LatencyMs: latency}
	if detailed {
		out.Message = fmt.Sprintf("quota %d/%d last 24h", quota.DailySent, quota.DailyLimit)
	}
	return out
}

// signedPost signs the form payload with SigV4 and posts it to the SES
// endpoint. Returns the HTTP status, body, and call latency.
func (a *SESAdapter) signedPost(ctx context.Context, creds vault.Credentials, payload []byte) (int, []byte, int64, error) {
	endpoint := a.endpointFor(creds.Region)
	u, err := url.Parse(endpoint)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("parse ses endpoint: %w", err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	headers := SignV4(
		SigV4Credentials{
			AccessKey: creds.AccessKey,
			SecretKey: creds.SecretKey,
			Region:    creds.Region,
			Service:   sesSigningService,
		},
		SigV4Request{
			Method:      "POST",
			Host:        u.Host,
			Path:        path,
			Payload:     payload,
			ContentType: "application/x-www-form-urlencoded",
			Time:        a.now(),
		},
	)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return 0, nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return 0, nil, latency, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body, latency, nil
}

package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails through Brevo's transactional email API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	sender   brevoContact
	apiKey   string
	endpoint string
	delay    time.Duration // base retry delay
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		apiKey:   apiKey,
		endpoint: brevoEndpoint,
		delay:    time.Second,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	Text    string         `json:"textContent,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// brevoStatusError is a non-2xx reply with Brevo's error envelope, if any.
type brevoStatusError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	status  int
}

func (e *brevoStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("brevo: HTTP %d: %s: %s", e.status, e.Code, e.Message)
	}
	return fmt.Sprintf("brevo: HTTP %d", e.status)
}

// brevoRetryable retries 429, 5xx and transport failures. Other 4xx replies,
// such as a rejected key or recipient, fail at once.
func brevoRetryable(err error) bool {
	var se *brevoStatusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Send sends an email via Brevo API.
func (b *BrevoProvider) Send(ctx context.Context, m *Message) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  b.sender,
		To:      []brevoContact{{Email: m.To}},
		Subject: m.Subject,
		HTML:    m.HTML,
		Text:    m.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal brevo request: %w", err)
	}

	var lastErr error
	err = retry.Do(
		func() error {
			lastErr = b.post(ctx, m.To, payload)
			return lastErr
		},
		retry.Attempts(3),
		retry.Delay(b.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(b.delay),
		retry.Context(ctx),
		retry.RetryIf(brevoRetryable),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo email send after error", "attempt", n, "error", err)
		}),
	)
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

func (b *BrevoProvider) post(ctx context.Context, to string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create brevo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	startTime := time.Now()
	resp, err := b.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		b.logger.Warn("Brevo API request failed", "to", to, "duration_ms", duration.Milliseconds(), "error", err)
		return fmt.Errorf("brevo request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &brevoStatusError{status: resp.StatusCode}
		if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<10)); readErr == nil {
			_ = json.Unmarshal(data, se)
		}
		b.logger.Warn("Brevo API returned non-2xx status",
			"status_code", resp.StatusCode,
			"code", se.Code,
			"to", to,
			"duration_ms", duration.Milliseconds())
		return se
	}

	b.logger.Info("Brevo API request completed",
		"endpoint", "smtp/email",
		"to", to,
		"duration_ms", duration.Milliseconds())
	return nil
}

package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service  *gmail.Service
	logger   *slog.Logger
	fromAddr string
}

// NewGmailProvider creates a new Gmail email provider. An empty fromAddr lets
// Gmail use the authenticated account.
func NewGmailProvider(service *gmail.Service, fromAddr string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service:  service,
		logger:   logger,
		fromAddr: fromAddr,
	}
}

// headerValue strips CR, LF and other control characters so a value cannot
// start a new header.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// rawMessage builds the base64url-encoded MIME message the Gmail API expects.
// With a text alternative the body is multipart/alternative, text part first.
func rawMessage(from string, m *Message) (string, error) {
	var buf bytes.Buffer
	buf.WriteString("MIME-Version: 1.0\r\n")
	if from != "" {
		fmt.Fprintf(&buf, "From: %s\r\n", headerValue(from))
	}
	fmt.Fprintf(&buf, "To: %s\r\n", headerValue(m.To))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerValue(m.Subject)))

	if m.Text == "" {
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		buf.WriteString(m.HTML)
		return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct{ contentType, content string }{
		{"text/plain; charset=utf-8", m.Text},
		{"text/html; charset=utf-8", m.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return "", fmt.Errorf("create mime part: %w", err)
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return "", fmt.Errorf("write mime part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close mime body: %w", err)
	}

	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())
	buf.Write(body.Bytes())
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

// gmailRetryable retries rate limiting, server errors and transport failures.
func gmailRetryable(err error) bool {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code == http.StatusTooManyRequests || ge.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, m *Message) error {
	raw, err := rawMessage(g.fromAddr, m)
	if err != nil {
		return err
	}

	var lastErr error
	err = retry.Do(
		func() error {
			startTime := time.Now()
			_, sendErr := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
			duration := time.Since(startTime)
			lastErr = sendErr

			if sendErr != nil {
				g.logger.Warn("Gmail API send failed",
					"to", m.To,
					"duration_ms", duration.Milliseconds(),
					"error", sendErr)
				return sendErr
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", m.To,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.RetryIf(gmailRetryable),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
	if err != nil && lastErr != nil {
		return fmt.Errorf("gmail send: %w", lastErr)
	}
	return err
}

// Package email sends document expiry digests via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wavesync/pkg/crew"
)

// Message is one outgoing email. Text is the plain-text alternative of HTML
// and may be empty.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	Send(ctx context.Context, m *Message) error
}

// Digest lists the documents of one company that need a renewal task.
type Digest struct {
	GeneratedAt time.Time
	CompanyID   string
	Documents   []crew.ExpiringDocument
}

// Sender sends digest emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendExpiryDigest emails an administrator the documents in d.
// An empty digest sends nothing.
func (s *Sender) SendExpiryDigest(ctx context.Context, to string, d *Digest) error {
	if len(d.Documents) == 0 {
		return nil
	}

	m := &Message{
		To:      to,
		Subject: digestSubject(d),
		HTML:    s.formatDigestBody(d),
		Text:    s.formatDigestText(d),
	}

	s.logger.Info("Sending expiry digest",
		"to", to,
		"company_id", d.CompanyID,
		"subject", m.Subject,
		"document_count", len(d.Documents))

	if err := s.provider.Send(ctx, m); err != nil {
		return fmt.Errorf("send expiry digest: %w", err)
	}
	return nil
}

func digestSubject(d *Digest) string {
	var expired int
	for i := range d.Documents {
		if d.Documents[i].Status == crew.StatusExpired {
			expired++
		}
	}
	n := len(d.Documents)
	switch {
	case expired == n:
		return fmt.Sprintf("%d crew document%s expired", n, plural(n))
	case expired > 0:
		return fmt.Sprintf("%d crew document%s need renewal (%d expired)", n, plural(n), expired)
	default:
		return fmt.Sprintf("%d crew document%s expiring soon", n, plural(n))
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

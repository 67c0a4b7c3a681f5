package email

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider records emails in memory instead of delivering them.
// It backs local development and tests.
type MockProvider struct {
	logger *slog.Logger
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send logs and records m.
func (p *MockProvider) Send(_ context.Context, m *Message) error {
	p.logger.Info("MOCK EMAIL",
		"to", m.To,
		"subject", m.Subject,
		"html_length", len(m.HTML),
		"text_length", len(m.Text))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, *m)
	return nil
}

// Sent returns the emails recorded so far, oldest first.
func (p *MockProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.sent))
	copy(out, p.sent)
	return out
}

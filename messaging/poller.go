// Package messaging approximates real-time conversations by re-fetching on fixed intervals.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"wavesync/alert"
	"wavesync/gateway"
	"wavesync/pkg/crew"
)

// Default poll intervals.
const (
	DefaultConversationInterval = 5 * time.Second
	DefaultMessageInterval      = 3 * time.Second
)

var (
	// ErrNotMounted is returned when the poller is used before Mount or after Unmount.
	ErrNotMounted = errors.New("messaging view not mounted")
	// ErrNoConversation is returned by Send when no conversation is given or selected.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrEmptyMessage is returned by Send for a message without text or attachment.
	ErrEmptyMessage = errors.New("message has no text or attachment")
)

// Gateway is the subset of the remote data gateway the poller uses.
type Gateway interface {
	Call(ctx context.Context, fn string, args, out any) error
	Query(ctx context.Context, table string, q gateway.Query, out any) error
	Insert(ctx context.Context, table string, row, out any) error
}

// Config holds poller configuration.
type Config struct {
	Gateway              Gateway
	Notifier             alert.Notifier
	Logger               *slog.Logger
	UserID               string
	ConversationInterval time.Duration
	MessageInterval      time.Duration
}

// View is a point-in-time copy of the poller's state.
type View struct {
	Conversations []crew.Conversation `json:"conversations"`
	Messages      []crew.Message      `json:"messages"`
	SelectedID    string              `json:"selected_conversation_id,omitempty"`
	Mounted       bool                `json:"mounted"`
}

// Poller keeps one user's conversation list and, while a conversation is
// selected, its message list. Both are replaced only by re-fetches.
//
// Every fetch captures a generation number before it starts and its result is
// dropped if the generation moved on while it was in flight. Unmount and
// Deselect bump the generation before returning, so no late result is written
// after them.
type Poller struct {
	gw               Gateway
	notifier         alert.Notifier
	logger           *slog.Logger
	stopConversation context.CancelFunc
	stopMessages     context.CancelFunc
	userID           string
	selected         string
	conversations    []crew.Conversation
	messages         []crew.Message
	convInterval     time.Duration
	msgInterval      time.Duration
	gen              uint64 // bumped by Mount and Unmount
	msgGen           uint64 // bumped whenever the selection changes
	mu               sync.Mutex
	mounted          bool
}

// New creates an unmounted poller.
func New(cfg *Config) *Poller {
	n := cfg.Notifier
	if n == nil {
		n = alert.Discard
	}
	ci := cfg.ConversationInterval
	if ci <= 0 {
		ci = DefaultConversationInterval
	}
	mi := cfg.MessageInterval
	if mi <= 0 {
		mi = DefaultMessageInterval
	}
	return &Poller{
		gw:           cfg.Gateway,
		notifier:     n,
		logger:       cfg.Logger,
		userID:       cfg.UserID,
		convInterval: ci,
		msgInterval:  mi,
	}
}

// Mount fetches the conversation list, marks the user online and starts the
// conversation timer. The returned error is that of the first fetch; the timer
// runs regardless.
func (p *Poller) Mount(ctx context.Context) error {
	p.mu.Lock()
	if p.mounted {
		p.mu.Unlock()
		return nil
	}
	p.mounted = true
	p.gen++
	gen := p.gen
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.stopConversation = cancel
	p.mu.Unlock()

	p.setOnline(ctx, true)
	err := p.refreshConversations(ctx, gen)

	go p.every(loopCtx, p.convInterval, func() {
		_ = p.refreshConversations(loopCtx, gen) // logged and notified
	})

	p.logger.Info("Messaging view mounted", "user_id", p.userID)
	return err
}

// Unmount stops both timers, drops the cached lists and clears the user's
// online flag. Fetches still in flight are discarded when they complete.
func (p *Poller) Unmount(ctx context.Context) {
	p.mu.Lock()
	if !p.mounted {
		p.mu.Unlock()
		return
	}
	p.mounted = false
	p.gen++
	p.msgGen++
	p.stopConversation()
	p.stopConversation = nil
	if p.stopMessages != nil {
		p.stopMessages()
		p.stopMessages = nil
	}
	p.selected = ""
	p.conversations = nil
	p.messages = nil
	p.mu.Unlock()

	p.setOnline(ctx, false)
	p.logger.Info("Messaging view unmounted", "user_id", p.userID)
}

// Select makes conversationID the active conversation: its messages are fetched
// and marked read, then re-fetched on the message timer. Any previously selected
// conversation is deselected first.
func (p *Poller) Select(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}

	p.mu.Lock()
	if !p.mounted {
		p.mu.Unlock()
		return ErrNotMounted
	}
	p.deselectLocked()
	p.selected = conversationID
	gen := p.msgGen
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.stopMessages = cancel
	p.mu.Unlock()

	err := p.refreshMessages(ctx, conversationID, gen, true)

	go p.every(loopCtx, p.msgInterval, func() {
		_ = p.refreshMessages(loopCtx, conversationID, gen, false) // logged and notified
	})
	return err
}

// Deselect stops the message timer and clears the message list.
func (p *Poller) Deselect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deselectLocked()
}

func (p *Poller) deselectLocked() {
	p.msgGen++
	if p.stopMessages != nil {
		p.stopMessages()
		p.stopMessages = nil
	}
	p.selected = ""
	p.messages = nil
}

// Send inserts a message and re-fetches the conversation list. The message list
// is not touched; the next message poll picks the new message up.
// An empty ConversationID means the selected conversation.
func (p *Poller) Send(ctx context.Context, msg crew.NewMessage) (*crew.Message, error) {
	p.mu.Lock()
	if !p.mounted {
		p.mu.Unlock()
		return nil, ErrNotMounted
	}
	if msg.ConversationID == "" {
		msg.ConversationID = p.selected
	}
	gen := p.gen
	p.mu.Unlock()

	if msg.ConversationID == "" {
		return nil, ErrNoConversation
	}
	if strings.TrimSpace(msg.MessageText) == "" && msg.AttachmentURL == "" {
		return nil, ErrEmptyMessage
	}
	msg.SenderID = p.userID

	var sent crew.Message
	if err := p.gw.Insert(ctx, "messages", msg, &sent); err != nil {
		p.logger.Error("Failed to send message", "conversation_id", msg.ConversationID, "error", err)
		p.notifier.Notify(alert.LevelError, "Failed to send message")
		return nil, fmt.Errorf("send message: %w", err)
	}

	_ = p.refreshConversations(ctx, gen) // logged and notified
	return &sent, nil
}

// Snapshot returns a copy of the current state.
func (p *Poller) Snapshot() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := View{
		Conversations: make([]crew.Conversation, len(p.conversations)),
		Messages:      make([]crew.Message, len(p.messages)),
		SelectedID:    p.selected,
		Mounted:       p.mounted,
	}
	copy(v.Conversations, p.conversations)
	copy(v.Messages, p.messages)
	return v
}

func (p *Poller) refreshConversations(ctx context.Context, gen uint64) error {
	var convs []crew.Conversation
	err := p.gw.Call(ctx, "my_conversations", nil, &convs)

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		p.logger.Debug("Discarding stale conversation fetch", "user_id", p.userID)
		return nil
	}
	if err == nil {
		p.conversations = convs
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("Failed to load conversations", "user_id", p.userID, "error", err)
		p.notifier.Notify(alert.LevelError, "Failed to load conversations")
		return fmt.Errorf("load conversations: %w", err)
	}
	return nil
}

// refreshMessages fetches the full message list of a conversation. The list is
// compared with the previous one by length only: an equal length keeps the old
// list. The initial fetch always replaces the list and marks the thread read;
// later ones mark it read when the newest message came from someone else.
func (p *Poller) refreshMessages(ctx context.Context, conversationID string, gen uint64, initial bool) error {
	var msgs []crew.Message
	q := gateway.Query{
		Filters: []gateway.Filter{gateway.Eq("conversation_id", conversationID)},
		OrderBy: "created_at",
	}
	err := p.gw.Query(ctx, "messages", q, &msgs)

	p.mu.Lock()
	if gen != p.msgGen {
		p.mu.Unlock()
		p.logger.Debug("Discarding stale message fetch", "conversation_id", conversationID)
		return nil
	}
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("Failed to load messages", "conversation_id", conversationID, "error", err)
		p.notifier.Notify(alert.LevelError, "Failed to load messages")
		return fmt.Errorf("load messages: %w", err)
	}
	if !initial && len(msgs) == len(p.messages) {
		p.mu.Unlock()
		return nil
	}
	p.messages = msgs
	markRead := initial || (len(msgs) > 0 && msgs[len(msgs)-1].SenderID != p.userID)
	p.mu.Unlock()

	if markRead {
		p.markRead(ctx, conversationID)
	}
	return nil
}

func (p *Poller) markRead(ctx context.Context, conversationID string) {
	if err := p.gw.Call(ctx, "mark_messages_as_read", map[string]any{"conversation_id": conversationID}, nil); err != nil {
		p.logger.Warn("Failed to mark messages as read", "conversation_id", conversationID, "error", err)
		p.notifier.Notify(alert.LevelError, "Failed to mark messages as read")
	}
}

func (p *Poller) setOnline(ctx context.Context, online bool) {
	if err := p.gw.Call(ctx, "update_online_status", map[string]any{"is_online": online}, nil); err != nil {
		p.logger.Warn("Failed to update online status", "user_id", p.userID, "online", online, "error", err)
	}
}

func (p *Poller) every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

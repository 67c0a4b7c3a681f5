package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wavesync/alert"
	"wavesync/gateway"
	"wavesync/pkg/crew"
)

type notifyFunc func(message string)

func (f notifyFunc) Notify(_ alert.Level, message string) { f(message) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGateway struct {
	// block, when set, is received from before a messages query returns.
	// convBlock does the same for conversation fetches.
	block       chan struct{}
	entered     chan struct{}
	convBlock   chan struct{}
	convEntered chan struct{}
	messages    map[string][]crew.Message
	calls       map[string]int
	online      []bool
	inserted    []crew.NewMessage
	queries     []gateway.Query
	convs       []crew.Conversation
	queryErr    error
	insertErr   error
	mu          sync.Mutex
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		messages: make(map[string][]crew.Message),
		calls:    make(map[string]int),
	}
}

func copyInto(v, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (f *fakeGateway) Call(_ context.Context, fn string, args, out any) error {
	f.mu.Lock()
	block, entered := f.convBlock, f.convEntered
	f.mu.Unlock()
	if fn == "my_conversations" && block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[fn]++
	switch fn {
	case "my_conversations":
		return copyInto(f.convs, out)
	case "update_online_status":
		f.online = append(f.online, args.(map[string]any)["is_online"].(bool))
		return nil
	case "mark_messages_as_read":
		return nil
	}
	return errors.New("unexpected call " + fn)
}

// Query ignores ctx on purpose: in-flight requests are not cancelled.
func (f *fakeGateway) Query(_ context.Context, table string, q gateway.Query, out any) error {
	f.mu.Lock()
	block, entered := f.block, f.entered
	f.mu.Unlock()
	if block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if table != "messages" {
		return errors.New("unexpected table " + table)
	}
	f.queries = append(f.queries, q)
	if f.queryErr != nil {
		return f.queryErr
	}
	return copyInto(f.messages[q.Filters[0].Value], out)
}

func (f *fakeGateway) Insert(_ context.Context, table string, row, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	m := row.(crew.NewMessage)
	f.inserted = append(f.inserted, m)
	return copyInto(crew.Message{ID: "m-new", ConversationID: m.ConversationID, SenderID: m.SenderID, MessageText: m.MessageText, Status: crew.MessageSent}, out)
}

func (f *fakeGateway) count(fn string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[fn]
}

func (f *fakeGateway) setMessages(conv string, msgs ...crew.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[conv] = msgs
}

func msg(id, sender, text string) crew.Message {
	return crew.Message{ID: id, ConversationID: "c1", SenderID: sender, MessageText: text}
}

// newPoller uses long intervals so timers never fire during a test.
func newPoller(gw Gateway) *Poller {
	return New(&Config{
		Gateway:              gw,
		Logger:               testLogger(),
		UserID:               "me",
		ConversationInterval: time.Hour,
		MessageInterval:      time.Hour,
	})
}

func TestMountFetchesAndSetsOnline(t *testing.T) {
	gw := newFakeGateway()
	gw.convs = []crew.Conversation{{ConversationID: "c1", OtherUserName: "Ana", UnreadCount: 2}}
	p := newPoller(gw)
	ctx := context.Background()

	if err := p.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	v := p.Snapshot()
	if !v.Mounted || len(v.Conversations) != 1 || v.Conversations[0].UnreadCount != 2 {
		t.Errorf("Snapshot() = %+v", v)
	}

	p.Unmount(ctx)
	v = p.Snapshot()
	if v.Mounted || len(v.Conversations) != 0 {
		t.Errorf("Snapshot() after Unmount = %+v", v)
	}
	if len(gw.online) != 2 || !gw.online[0] || gw.online[1] {
		t.Errorf("online updates = %v, want [true false]", gw.online)
	}
}

func TestSelectMarksReadAndKeepsOrder(t *testing.T) {
	gw := newFakeGateway()
	// Returned out of order; the poller must not re-sort.
	gw.setMessages("c1", msg("m2", "ana", "second"), msg("m1", "me", "first"))
	p := newPoller(gw)
	ctx := context.Background()
	if err := p.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	defer p.Unmount(ctx)

	if err := p.Select(ctx, "c1"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	v := p.Snapshot()
	if v.SelectedID != "c1" || len(v.Messages) != 2 || v.Messages[0].ID != "m2" || v.Messages[1].ID != "m1" {
		t.Errorf("Snapshot() = %+v, want m2 m1 as returned", v)
	}
	// Initial select marks read even though the newest message is our own.
	if n := gw.count("mark_messages_as_read"); n != 1 {
		t.Errorf("mark_messages_as_read calls = %d, want 1", n)
	}

	q := gw.queries[0]
	if q.OrderBy != "created_at" || q.Desc {
		t.Errorf("messages query order = %s desc=%v, want created_at asc", q.OrderBy, q.Desc)
	}
}

func TestMessagePollComparesByLength(t *testing.T) {
	tests := []struct {
		name      string
		next      []crew.Message
		wantIDs   []string
		wantMarks int
	}{
		{
			name:    "same length with different content is ignored",
			next:    []crew.Message{msg("x1", "ana", "edited"), msg("x2", "ana", "edited")},
			wantIDs: []string{"m1", "m2"},
		},
		{
			name:      "new message from other user marks read once",
			next:      []crew.Message{msg("m1", "me", "hi"), msg("m2", "ana", "hey"), msg("m3", "ana", "there?")},
			wantIDs:   []string{"m1", "m2", "m3"},
			wantMarks: 1,
		},
		{
			name:    "new message from self does not mark read",
			next:    []crew.Message{msg("m1", "me", "hi"), msg("m2", "ana", "hey"), msg("m3", "me", "yes")},
			wantIDs: []string{"m1", "m2", "m3"},
		},
		{
			name:    "shrunk list is replaced",
			next:    []crew.Message{msg("m1", "me", "hi")},
			wantIDs: []string{"m1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			gw.setMessages("c1", msg("m1", "me", "hi"), msg("m2", "ana", "hey"))
			p := newPoller(gw)
			ctx := context.Background()
			if err := p.Mount(ctx); err != nil {
				t.Fatalf("Mount() error = %v", err)
			}
			defer p.Unmount(ctx)
			if err := p.Select(ctx, "c1"); err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			before := gw.count("mark_messages_as_read")

			gw.setMessages("c1", tt.next...)
			p.mu.Lock()
			gen := p.msgGen
			p.mu.Unlock()
			if err := p.refreshMessages(ctx, "c1", gen, false); err != nil {
				t.Fatalf("refreshMessages() error = %v", err)
			}

			got := p.Snapshot().Messages
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("messages = %+v, want %v", got, tt.wantIDs)
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("messages[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
			if marks := gw.count("mark_messages_as_read") - before; marks != tt.wantMarks {
				t.Errorf("mark_messages_as_read calls in tick = %d, want %d", marks, tt.wantMarks)
			}
		})
	}
}

func TestUnmountDiscardsInFlightFetch(t *testing.T) {
	gw := newFakeGateway()
	gw.setMessages("c1", msg("m1", "ana", "hi"))
	p := New(&Config{
		Gateway:              gw,
		Logger:               testLogger(),
		UserID:               "me",
		ConversationInterval: time.Hour,
		MessageInterval:      10 * time.Millisecond,
	})
	ctx := context.Background()
	if err := p.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	if err := p.Select(ctx, "c1"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	marksBefore := gw.count("mark_messages_as_read")

	// The next tick blocks inside the gateway with a longer list ready.
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	gw.mu.Lock()
	gw.block, gw.entered = release, entered
	gw.messages["c1"] = []crew.Message{msg("m1", "ana", "hi"), msg("m2", "ana", "late")}
	gw.mu.Unlock()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("message tick never started")
	}

	p.Unmount(ctx)
	close(release)

	// Give the released fetch time to try to apply its result.
	time.Sleep(50 * time.Millisecond)

	v := p.Snapshot()
	if len(v.Messages) != 0 || v.SelectedID != "" {
		t.Errorf("Snapshot() after Unmount = %+v, want empty", v)
	}
	if n := gw.count("mark_messages_as_read"); n != marksBefore {
		t.Errorf("mark_messages_as_read called after Unmount: %d, want %d", n, marksBefore)
	}
}

func TestConversationLoopRunsUntilUnmount(t *testing.T) {
	gw := newFakeGateway()
	gw.convs = []crew.Conversation{{ConversationID: "c1", OtherUserName: "Ana"}}
	p := New(&Config{
		Gateway:              gw,
		Logger:               testLogger(),
		UserID:               "me",
		ConversationInterval: 5 * time.Millisecond,
		MessageInterval:      time.Hour,
	})
	ctx := context.Background()
	if err := p.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for gw.count("my_conversations") < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("my_conversations calls = %d, want at least 3 ticks", gw.count("my_conversations"))
		}
		time.Sleep(time.Millisecond)
	}

	gw.mu.Lock()
	gw.convs = append(gw.convs, crew.Conversation{ConversationID: "c2", OtherUserName: "Ben"})
	gw.mu.Unlock()
	deadline = time.Now().Add(2 * time.Second)
	for len(p.Snapshot().Conversations) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Snapshot() conversations = %+v, want c1 c2 after a tick", p.Snapshot().Conversations)
		}
		time.Sleep(time.Millisecond)
	}

	p.Unmount(ctx)
	// A tick that raced the cancel may still land.
	time.Sleep(20 * time.Millisecond)
	after := gw.count("my_conversations")
	time.Sleep(50 * time.Millisecond)
	if n := gw.count("my_conversations"); n != after {
		t.Errorf("my_conversations calls after Unmount = %d, want %d", n, after)
	}
}

func TestUnmountDiscardsInFlightConversationFetch(t *testing.T) {
	gw := newFakeGateway()
	gw.convs = []crew.Conversation{{ConversationID: "c1", OtherUserName: "Ana"}}
	p := New(&Config{
		Gateway:              gw,
		Logger:               testLogger(),
		UserID:               "me",
		ConversationInterval: 10 * time.Millisecond,
		MessageInterval:      time.Hour,
	})
	ctx := context.Background()
	if err := p.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	gw.mu.Lock()
	gw.convBlock, gw.convEntered = release, entered
	gw.convs = append(gw.convs, crew.Conversation{ConversationID: "c2", OtherUserName: "Ben"})
	gw.mu.Unlock()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("conversation tick never started")
	}

	p.Unmount(ctx)
	close(release)
	time.Sleep(50 * time.Millisecond)

	if v := p.Snapshot(); v.Mounted || len(v.Conversations) != 0 {
		t.Errorf("Snapshot() after Unmount = %+v, want empty", v)
	}
}

func TestDeselectDiscardsStaleResult(t *testing.T) {
	gw := newFakeGateway()
	gw.setMessages("c1", msg("m1", "ana", "hi"))
	gw.setMessages("c2", msg("n1", "ben", "yo"))
	p := newPoller(gw)
	ctx := context.Background()
	if err := p.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	defer p.Unmount(ctx)
	if err := p.Select(ctx, "c1"); err != nil {
		t.Fatalf("Select(c1) error = %v", err)
	}
	p.mu.Lock()
	oldGen := p.msgGen
	p.mu.Unlock()

	if err := p.Select(ctx, "c2"); err != nil {
		t.Fatalf("Select(c2) error = %v", err)
	}
	gw.setMessages("c1", msg("m1", "ana", "hi"), msg("m2", "ana", "stale"))
	if err := p.refreshMessages(ctx, "c1", oldGen, false); err != nil {
		t.Fatalf("refreshMessages() error = %v", err)
	}

	v := p.Snapshot()
	if v.SelectedID != "c2" || len(v.Messages) != 1 || v.Messages[0].ID != "n1" {
		t.Errorf("Snapshot() = %+v, want c2 messages only", v)
	}

	p.Deselect()
	if v := p.Snapshot(); v.SelectedID != "" || len(v.Messages) != 0 {
		t.Errorf("Snapshot() after Deselect = %+v", v)
	}
}

func TestSend(t *testing.T) {
	gw := newFakeGateway()
	gw.setMessages("c1", msg("m1", "ana", "hi"))
	p := newPoller(gw)
	ctx := context.Background()

	if _, err := p.Send(ctx, crew.NewMessage{MessageText: "hi"}); !errors.Is(err, ErrNotMounted) {
		t.Errorf("Send() before Mount error = %v, want ErrNotMounted", err)
	}
	if err := p.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	defer p.Unmount(ctx)

	if _, err := p.Send(ctx, crew.NewMessage{MessageText: "hi"}); !errors.Is(err, ErrNoConversation) {
		t.Errorf("Send() without selection error = %v, want ErrNoConversation", err)
	}
	if err := p.Select(ctx, "c1"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if _, err := p.Send(ctx, crew.NewMessage{MessageText: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Send() blank error = %v, want ErrEmptyMessage", err)
	}

	convFetches := gw.count("my_conversations")
	sent, err := p.Send(ctx, crew.NewMessage{MessageText: "on my way", SenderID: "spoofed"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sent.ID != "m-new" {
		t.Errorf("Send() id = %q", sent.ID)
	}
	if got := gw.inserted[0]; got.ConversationID != "c1" || got.SenderID != "me" {
		t.Errorf("inserted = %+v, want c1 from me", got)
	}
	if n := gw.count("my_conversations"); n != convFetches+1 {
		t.Errorf("my_conversations calls = %d, want %d", n, convFetches+1)
	}
	// The local list is left to the next poll.
	if n := len(p.Snapshot().Messages); n != 1 {
		t.Errorf("messages after Send = %d, want 1", n)
	}
}

func TestSendFailureNotifies(t *testing.T) {
	gw := newFakeGateway()
	gw.insertErr = errors.New("403")
	var notes []string
	p := New(&Config{
		Gateway:              gw,
		Logger:               testLogger(),
		Notifier:             notifyFunc(func(m string) { notes = append(notes, m) }),
		UserID:               "me",
		ConversationInterval: time.Hour,
		MessageInterval:      time.Hour,
	})
	ctx := context.Background()
	if err := p.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	defer p.Unmount(ctx)

	if _, err := p.Send(ctx, crew.NewMessage{ConversationID: "c1", MessageText: "hi"}); err == nil {
		t.Fatal("Send() should fail")
	}
	if len(notes) != 1 {
		t.Errorf("notifications = %v, want 1", notes)
	}
}

func TestSelectRequiresMount(t *testing.T) {
	p := newPoller(newFakeGateway())
	if err := p.Select(context.Background(), "c1"); !errors.Is(err, ErrNotMounted) {
		t.Errorf("Select() error = %v, want ErrNotMounted", err)
	}
}

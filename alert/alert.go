// Package alert keeps dismissable, user-facing notifications about failed operations.
package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level of an alert.
type Level string

// Alert levels.
const (
	LevelError Level = "error"
	LevelInfo  Level = "info"
)

const defaultCapacity = 50

// Alert is one notification shown to a user until dismissed.
type Alert struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// Notifier raises alerts for one user.
type Notifier interface {
	Notify(level Level, message string)
}

// Inbox holds alerts per user. Oldest alerts are dropped past capacity.
type Inbox struct {
	alerts   map[string][]Alert
	now      func() time.Time
	mu       sync.Mutex
	capacity int
}

// NewInbox creates an inbox keeping at most capacity alerts per user.
func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Inbox{
		alerts:   make(map[string][]Alert),
		now:      time.Now,
		capacity: capacity,
	}
}

// Push adds an alert for userID and returns it.
func (in *Inbox) Push(userID string, level Level, message string) Alert {
	a := Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   message,
		CreatedAt: in.now(),
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	list := append(in.alerts[userID], a)
	if len(list) > in.capacity {
		list = list[len(list)-in.capacity:]
	}
	in.alerts[userID] = list
	return a
}

// List returns the user's alerts, oldest first.
func (in *Inbox) List(userID string) []Alert {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Alert, len(in.alerts[userID]))
	copy(out, in.alerts[userID])
	return out
}

// Dismiss removes one alert. It reports whether the alert existed.
func (in *Inbox) Dismiss(userID, id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	list := in.alerts[userID]
	for i, a := range list {
		if a.ID == id {
			in.alerts[userID] = append(list[:i:i], list[i+1:]...)
			if len(in.alerts[userID]) == 0 {
				delete(in.alerts, userID)
			}
			return true
		}
	}
	return false
}

// Clear drops every alert of the user.
func (in *Inbox) Clear(userID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.alerts, userID)
}

// For returns a Notifier bound to userID.
func (in *Inbox) For(userID string) Notifier {
	return userNotifier{inbox: in, userID: userID}
}

type userNotifier struct {
	inbox  *Inbox
	userID string
}

func (n userNotifier) Notify(level Level, message string) {
	n.inbox.Push(n.userID, level, message)
}

// Discard is a Notifier that drops every alert.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(Level, string) {}

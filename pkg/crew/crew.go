// Package crew contains the core domain types for the WaveSync crew service.
package crew

import "time"

// DocumentStatus is the server-computed expiry bucket of a document.
type DocumentStatus string

// Expiry buckets as reported by the backend.
const (
	StatusExpired        DocumentStatus = "expired"
	StatusExpiringUrgent DocumentStatus = "expiring_urgent"
	StatusExpiringSoon   DocumentStatus = "expiring_soon"
	StatusValid          DocumentStatus = "valid"
)

// Valid reports whether s is one of the known expiry buckets.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusExpired, StatusExpiringUrgent, StatusExpiringSoon, StatusValid:
		return true
	}
	return false
}

// Priority of a task.
type Priority string

// Task priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DateLayout is the wire format of calendar dates (expiry and due dates).
const DateLayout = "2006-01-02"

// ExpirySummary holds per-bucket document counts for a company.
type ExpirySummary struct {
	Total          int `json:"total"`
	Expired        int `json:"expired"`
	ExpiringUrgent int `json:"expiring_urgent"`
	ExpiringSoon   int `json:"expiring_soon"`
	Valid          int `json:"valid"`
	NoExpiry       int `json:"no_expiry"`
}

// ExpiringDocument is a seafarer document with expiry information.
// TaskID, TaskStatus and TaskTitle are filled in locally by the task lookup.
// TaskLookupFailed is set when that lookup errored, so the task state is unknown.
type ExpiringDocument struct {
	DocumentID       string         `json:"document_id"`
	UserID           string         `json:"user_id"`
	SeafarerName     string         `json:"seafarer_name"`
	Filename         string         `json:"filename"`
	DocumentType     string         `json:"document_type"`
	ExpiryDate       string         `json:"expiry_date"` // DateLayout
	DaysUntilExpiry  int            `json:"days_until_expiry"`
	Status           DocumentStatus `json:"status"`
	TaskID           string         `json:"task_id,omitempty"`
	TaskStatus       string         `json:"task_status,omitempty"`
	TaskTitle        string         `json:"task_title,omitempty"`
	TaskLookupFailed bool           `json:"task_lookup_failed,omitempty"`
}

// HasTask reports whether a renewal task was attached to the document.
func (d *ExpiringDocument) HasTask() bool {
	return d.TaskID != ""
}

// Task is a row of the tasks collection.
type Task struct {
	CreatedAt   time.Time `json:"created_at"`
	ID          string    `json:"id"`
	CompanyID   string    `json:"company_id"`
	AssignedTo  string    `json:"assigned_to"`
	CreatedBy   string    `json:"created_by,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    Priority  `json:"priority"`
	Status      string    `json:"status"`
	DueDate     string    `json:"due_date"` // DateLayout
}

// NewTask is the payload inserted into the tasks collection.
type NewTask struct {
	CompanyID   string   `json:"company_id"`
	AssignedTo  string   `json:"assigned_to"`
	CreatedBy   string   `json:"created_by,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Status      string   `json:"status"`
	DueDate     string   `json:"due_date"`
}

// Conversation is a server-computed summary of one message thread.
type Conversation struct {
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
	ConversationID      string     `json:"conversation_id"`
	OtherUserID         string     `json:"other_user_id"`
	OtherUserName       string     `json:"other_user_name"`
	OtherUserType       string     `json:"other_user_type"`
	LastMessageText     string     `json:"last_message_text,omitempty"`
	LastMessageSenderID string     `json:"last_message_sender_id,omitempty"`
	UnreadCount         int        `json:"unread_count"`
	IsOtherUserOnline   bool       `json:"is_other_user_online"`
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

// Message delivery states.
const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// Message is a row of the messages collection.
type Message struct {
	CreatedAt          time.Time     `json:"created_at"`
	ReadAt             *time.Time    `json:"read_at,omitempty"`
	ID                 string        `json:"id"`
	ConversationID     string        `json:"conversation_id"`
	SenderID           string        `json:"sender_id"`
	MessageText        string        `json:"message_text"`
	AttachmentURL      string        `json:"attachment_url,omitempty"`
	AttachmentFilename string        `json:"attachment_filename,omitempty"`
	Status             MessageStatus `json:"status"`
}

// NewMessage is the payload inserted into the messages collection.
type NewMessage struct {
	ConversationID     string `json:"conversation_id"`
	SenderID           string `json:"sender_id"`
	MessageText        string `json:"message_text"`
	AttachmentURL      string `json:"attachment_url,omitempty"`
	AttachmentFilename string `json:"attachment_filename,omitempty"`
}

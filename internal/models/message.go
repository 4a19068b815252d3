package models

import (
	"sort"
	"strings"
	"time"
)

// MessageStatus tracks a message through the optimistic-send lifecycle.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// ReplyRef is the denormalized summary of the message being replied to.
type ReplyRef struct {
	MessageID  string `json:"message_id"`
	Content    string `json:"content"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
}

// Attachment describes an uploaded file attached to a message. The bytes
// live in the blob store; only the URL travels with the message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// Message is a direct message between two users. Content is immutable
// after creation; only the read flag transitions.
type Message struct {
	ID           string        `json:"id"`        // ULID, server-assigned
	ClientID     string        `json:"client_id"` // set by the sender for optimistic reconciliation
	Content      string        `json:"content"`
	SenderID     string        `json:"sender_id"`
	ReceiverID   string        `json:"receiver_id"`
	SenderName   string        `json:"sender_name"`
	ReceiverName string        `json:"receiver_name"`
	CreatedAt    time.Time     `json:"created_at"`
	Read         bool          `json:"read"`
	Status       MessageStatus `json:"status,omitempty"`
	ReplyTo      *ReplyRef     `json:"reply_to,omitempty"`
	Attachment   *Attachment   `json:"attachment,omitempty"`
}

// ChatID returns the deterministic conversation id for a pair of users:
// both ids sorted lexically and joined. Both participants compute the same
// id regardless of who initiates.
func ChatID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

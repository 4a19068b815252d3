package models

import "time"

// Conversation is a derived view over messages and profiles. It has no
// independent identity and is recomputed by the aggregator on every
// relevant store notification.
type Conversation struct {
	CounterpartyID  string    `json:"counterparty_id"`
	Username        string    `json:"username"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	UnreadCount     int       `json:"unread_count"`
	Online          bool      `json:"online"`
}

package models

import "time"

// TypingStatus is a short-lived marker advertising that a user is typing
// in a conversation. Keyed by (ChatID, UserID); auto-expires storeside.
type TypingStatus struct {
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

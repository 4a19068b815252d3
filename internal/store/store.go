package store

import (
	"context"
	"time"

	"github.com/abhiyanpa/olam-chat/internal/models"
)

// Unsubscribe detaches a live subscription. Safe to call more than once.
type Unsubscribe func()

// ProfileStore is the profile-document side of the backend contract.
// Implementations: PostgresStore (documents) + RedisStore (notifications),
// composed by Platform, and MemoryStore for dev/test.
type ProfileStore interface {
	// SaveProfile creates or fully replaces a profile document.
	SaveProfile(ctx context.Context, p *models.Profile) error
	// GetProfile returns (nil, nil) when the profile does not exist.
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	ListProfiles(ctx context.Context) ([]models.Profile, error)
	// SearchProfiles matches usernames case-insensitively by substring,
	// excluding excludeID, capped at limit.
	SearchProfiles(ctx context.Context, query, excludeID string, limit int) ([]models.Profile, error)
	// UpsertPresence merges only the online/last_seen fields; it is a
	// no-op if the profile is absent.
	UpsertPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error
	// ReserveUsername claims the normalized username for ownerID. Returns
	// errors.ErrUsernameTaken if another owner holds it. At most one
	// reservation exists per normalized username.
	ReserveUsername(ctx context.Context, username, ownerID string) error
	ReleaseUsername(ctx context.Context, username string) error
	UsernameTaken(ctx context.Context, username string) (bool, error)
	SetBanned(ctx context.Context, id string, banned bool) error

	// WatchProfile delivers the profile document on every change to it.
	WatchProfile(ctx context.Context, id string, fn func(models.Profile)) (Unsubscribe, error)
	// WatchProfiles fires on any profile write, without a payload; the
	// conversation aggregator re-reads on each notification.
	WatchProfiles(ctx context.Context, fn func()) (Unsubscribe, error)
}

// MessageStore is the message-collection side of the backend contract.
type MessageStore interface {
	// Append persists a message, assigning the server id and creation
	// timestamp, and returns the stored copy.
	Append(ctx context.Context, m *models.Message) (*models.Message, error)
	// QueryBySender returns all messages sent by senderID, newest first.
	QueryBySender(ctx context.Context, senderID string) ([]models.Message, error)
	// QueryByReceiver returns all messages received by receiverID, newest first.
	QueryByReceiver(ctx context.Context, receiverID string) ([]models.Message, error)
	// QueryConversation returns messages from senderID to receiverID,
	// oldest first.
	QueryConversation(ctx context.Context, senderID, receiverID string) ([]models.Message, error)
	// CountUnreadBySender groups unread messages addressed to receiverID
	// by their sender.
	CountUnreadBySender(ctx context.Context, receiverID string) (map[string]int, error)
	// MarkRead flips the read flag on the given ids as one batch: readers
	// observe either none or all of the updates.
	MarkRead(ctx context.Context, ids []string) error
	CountMessages(ctx context.Context) (int64, error)

	// SubscribeConversation delivers the current snapshot of messages from
	// senderID to receiverID immediately, then again on every change.
	SubscribeConversation(ctx context.Context, senderID, receiverID string, fn func([]models.Message)) (Unsubscribe, error)
	// SubscribeUser fires, without payload, whenever a message involving
	// userID is appended or marked read.
	SubscribeUser(ctx context.Context, userID string, fn func()) (Unsubscribe, error)
}

// TypingStore holds short-lived typing markers.
type TypingStore interface {
	// SetTyping writes the marker; implementations apply an expiry so an
	// abandoned marker cannot outlive its client for long.
	SetTyping(ctx context.Context, ts models.TypingStatus) error
	// ClearTyping removes the marker. Clearing an absent marker is not an
	// error.
	ClearTyping(ctx context.Context, chatID, userID string) error
	// WatchTyping delivers the full set of live markers for a conversation
	// on every change.
	WatchTyping(ctx context.Context, chatID string, fn func([]models.TypingStatus)) (Unsubscribe, error)
}

// BlobStore stores attachment bytes and hands back retrievable URLs.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (url string, err error)
	URL(ctx context.Context, path string) (string, error)
}

// Account is an auth-provider credential record. It is distinct from the
// public Profile document.
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash []byte
	CreatedAt    time.Time
}

// AccountStore persists auth-provider accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *Account) error
	// GetAccountByEmail returns (nil, nil) when no account matches.
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
}

// Backend is the full platform contract the engine is written against.
type Backend interface {
	ProfileStore
	MessageStore
	TypingStore
	AccountStore
}

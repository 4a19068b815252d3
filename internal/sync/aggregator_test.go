package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhiyanpa/olam-chat/internal/models"
	"github.com/abhiyanpa/olam-chat/internal/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

func seedProfile(t *testing.T, ms *store.MemoryStore, id, username string, online bool) {
	t.Helper()
	require.NoError(t, ms.SaveProfile(context.Background(), &models.Profile{
		ID:       id,
		Username: username,
		Online:   online,
	}))
}

func appendAt(t *testing.T, ms *store.MemoryStore, senderID, receiverID, content string, ts time.Time) *models.Message {
	t.Helper()
	stored, err := ms.Append(context.Background(), &models.Message{
		Content:      content,
		SenderID:     senderID,
		ReceiverID:   receiverID,
		SenderName:   senderID,
		ReceiverName: receiverID,
		CreatedAt:    ts,
	})
	require.NoError(t, err)
	return stored
}

func TestConversationsMergesBothDirections(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedProfile(t, ms, "alice", "Alice", false)
	seedProfile(t, ms, "bob", "Bob", true)
	seedProfile(t, ms, "carol", "Carol", false)

	appendAt(t, ms, "alice", "bob", "hi bob", at(1))
	appendAt(t, ms, "bob", "alice", "hi alice", at(2))
	appendAt(t, ms, "carol", "alice", "ping", at(3))
	appendAt(t, ms, "carol", "alice", "ping again", at(4))

	a := NewAggregator(ms, zerolog.Nop())
	convs, err := a.Conversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)

	// Newest activity first.
	assert.Equal(t, "carol", convs[0].CounterpartyID)
	assert.Equal(t, "Carol", convs[0].Username)
	assert.Equal(t, "ping again", convs[0].LastMessage)
	assert.Equal(t, at(4), convs[0].LastMessageTime)
	assert.Equal(t, 2, convs[0].UnreadCount)

	assert.Equal(t, "bob", convs[1].CounterpartyID)
	assert.Equal(t, "hi alice", convs[1].LastMessage)
	assert.Equal(t, 1, convs[1].UnreadCount)
	assert.True(t, convs[1].Online)
}

func TestConversationsLatestWinsAcrossDirections(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedProfile(t, ms, "alice", "Alice", false)
	seedProfile(t, ms, "bob", "Bob", false)

	appendAt(t, ms, "bob", "alice", "old", at(1))
	appendAt(t, ms, "alice", "bob", "newer", at(5))

	a := NewAggregator(ms, zerolog.Nop())
	convs, err := a.Conversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "newer", convs[0].LastMessage)
	assert.Equal(t, at(5), convs[0].LastMessageTime)
}

func TestConversationsFallsBackToMessageName(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedProfile(t, ms, "alice", "Alice", false)
	// No profile for "ghost".

	appendAt(t, ms, "ghost", "alice", "boo", at(1))

	a := NewAggregator(ms, zerolog.Nop())
	convs, err := a.Conversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "ghost", convs[0].Username, "sender name embedded in the message is the fallback")
	assert.False(t, convs[0].Online)
}

func TestConversationsEmptyInbox(t *testing.T) {
	ms := store.NewMemoryStore()
	a := NewAggregator(ms, zerolog.Nop())

	convs, err := a.Conversations(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestWatchRedeliversOnChanges(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedProfile(t, ms, "alice", "Alice", false)
	seedProfile(t, ms, "bob", "Bob", false)
	appendAt(t, ms, "bob", "alice", "hello", at(1))

	a := NewAggregator(ms, zerolog.Nop())

	var mu gosync.Mutex
	var deliveries [][]models.Conversation
	unsub, err := a.Watch(ctx, "alice", func(convs []models.Conversation) {
		mu.Lock()
		defer mu.Unlock()
		deliveries = append(deliveries, convs)
	})
	require.NoError(t, err)
	defer unsub()

	mu.Lock()
	require.Len(t, deliveries, 1, "initial snapshot")
	require.Len(t, deliveries[0], 1)
	assert.Equal(t, "hello", deliveries[0][0].LastMessage)
	mu.Unlock()

	// A new message redelivers the list.
	appendAt(t, ms, "bob", "alice", "again", at(2))

	mu.Lock()
	require.GreaterOrEqual(t, len(deliveries), 2)
	latest := deliveries[len(deliveries)-1]
	require.Len(t, latest, 1)
	assert.Equal(t, "again", latest[0].LastMessage)
	assert.Equal(t, 2, latest[0].UnreadCount)
	mu.Unlock()

	// A profile change redelivers too.
	seedProfile(t, ms, "bob", "Bob", true)

	mu.Lock()
	latest = deliveries[len(deliveries)-1]
	require.Len(t, latest, 1)
	assert.True(t, latest[0].Online)
	mu.Unlock()

	// After unsubscribe, no further deliveries.
	unsub()
	mu.Lock()
	n := len(deliveries)
	mu.Unlock()

	appendAt(t, ms, "bob", "alice", "unseen", at(3))

	mu.Lock()
	assert.Equal(t, n, len(deliveries))
	mu.Unlock()
}

package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhiyanpa/olam-chat/internal/models"
	"github.com/abhiyanpa/olam-chat/internal/store"
)

// recorder collects typing snapshots delivered to a listener.
type recorder struct {
	mu        sync.Mutex
	snapshots [][]models.TypingStatus
}

func (r *recorder) deliver(markers []models.TypingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, markers)
}

func (r *recorder) last() ([]models.TypingStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil, false
	}
	return r.snapshots[len(r.snapshots)-1], true
}

func newTestCoordinator(t *testing.T, ms *store.MemoryStore) *Coordinator {
	t.Helper()
	c := NewCoordinator(ms, zerolog.Nop())
	c.Delay = 40 * time.Millisecond
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func TestNotifyTypingVisibleToPeerOnly(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	c := newTestCoordinator(t, ms)

	peerSide := &recorder{}
	unsubPeer, err := c.Listen(ctx, "bob", "alice", peerSide.deliver)
	require.NoError(t, err)
	defer unsubPeer()

	selfSide := &recorder{}
	unsubSelf, err := c.Listen(ctx, "alice", "bob", selfSide.deliver)
	require.NoError(t, err)
	defer unsubSelf()

	require.NoError(t, c.NotifyTyping(ctx, "alice", "Alice", "bob"))

	got, ok := peerSide.last()
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Equal(t, "Alice", got[0].Username)

	// The author never sees their own marker.
	got, ok = selfSide.last()
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestDebounceClearsAfterPause(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	c := newTestCoordinator(t, ms)

	rec := &recorder{}
	unsub, err := c.Listen(ctx, "bob", "alice", rec.deliver)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, c.NotifyTyping(ctx, "alice", "Alice", "bob"))

	assert.Eventually(t, func() bool {
		got, ok := rec.last()
		return ok && len(got) == 0
	}, time.Second, 5*time.Millisecond, "marker should clear after the debounce delay")
}

func TestKeystrokesExtendTheMarker(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	c := newTestCoordinator(t, ms)

	rec := &recorder{}
	unsub, err := c.Listen(ctx, "bob", "alice", rec.deliver)
	require.NoError(t, err)
	defer unsub()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.NotifyTyping(ctx, "alice", "Alice", "bob"))
		time.Sleep(25 * time.Millisecond)

		got, ok := rec.last()
		require.True(t, ok)
		assert.Len(t, got, 1, "marker must survive while keystrokes keep coming")
	}

	assert.Eventually(t, func() bool {
		got, ok := rec.last()
		return ok && len(got) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStopTypingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	c := newTestCoordinator(t, ms)

	require.NoError(t, c.NotifyTyping(ctx, "alice", "Alice", "bob"))
	require.NoError(t, c.StopTyping(ctx, "alice", "bob"))
	require.NoError(t, c.StopTyping(ctx, "alice", "bob"))
}

func TestStaleMarkersAreFiltered(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	c := newTestCoordinator(t, ms)

	base := time.Now()
	c.Now = func() time.Time { return base }

	rec := &recorder{}
	unsub, err := c.Listen(ctx, "bob", "alice", rec.deliver)
	require.NoError(t, err)
	defer unsub()

	// A marker written before the coordinator's TTL cutoff, as left by a
	// client that died without clearing it.
	require.NoError(t, ms.SetTyping(ctx, models.TypingStatus{
		ChatID:    models.ChatID("alice", "bob"),
		UserID:    "alice",
		Username:  "Alice",
		IsTyping:  true,
		Timestamp: base.Add(-DefaultTTL - time.Second),
	}))

	got, ok := rec.last()
	require.True(t, ok)
	assert.Empty(t, got, "stale marker must not surface")
}

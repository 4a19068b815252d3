package presence

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhiyanpa/olam-chat/internal/models"
	"github.com/abhiyanpa/olam-chat/internal/store"
)

func seedProfile(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, ms.SaveProfile(context.Background(), &models.Profile{
		ID:       id,
		Username: id,
	}))
}

func TestStartMarksOnlineImmediately(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedProfile(t, ms, "alice")

	h := NewHeartbeat(ms, zerolog.Nop())
	h.Interval = time.Hour // no ticks during the test

	require.NoError(t, h.Start(ctx, "alice"))
	defer h.Stop(ctx)

	p, err := ms.GetProfile(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Online)
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedProfile(t, ms, "alice")

	h := NewHeartbeat(ms, zerolog.Nop())
	h.Interval = 20 * time.Millisecond

	var beats atomic.Int64
	base := time.Now()
	h.Now = func() time.Time {
		return base.Add(time.Duration(beats.Add(1)) * time.Second)
	}

	require.NoError(t, h.Start(ctx, "alice"))
	defer h.Stop(ctx)

	first, err := ms.GetProfile(ctx, "alice")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		p, err := ms.GetProfile(ctx, "alice")
		return err == nil && p.LastSeen.After(first.LastSeen)
	}, time.Second, 5*time.Millisecond, "ticker should refresh last_seen")
}

func TestHiddenClientSkipsRefresh(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedProfile(t, ms, "alice")

	h := NewHeartbeat(ms, zerolog.Nop())
	h.Interval = 10 * time.Millisecond
	h.Visible = func() bool { return false }

	require.NoError(t, h.Start(ctx, "alice"))

	initial, err := ms.GetProfile(ctx, "alice")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	p, err := ms.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, initial.LastSeen, p.LastSeen, "hidden client must not refresh presence")
	assert.True(t, p.Online, "the initial online write still happens")

	h.Stop(ctx)
}

func TestStopWritesOffline(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedProfile(t, ms, "alice")

	h := NewHeartbeat(ms, zerolog.Nop())
	h.Interval = time.Hour

	require.NoError(t, h.Start(ctx, "alice"))
	h.Stop(ctx)

	p, err := ms.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, p.Online)

	// Stopping twice is harmless.
	h.Stop(ctx)
}

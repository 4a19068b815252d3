// Package presence maintains a user's online flag with a periodic
// heartbeat. The heartbeat is gated on a visibility probe so a client
// that is running but backgrounded stops refreshing and naturally goes
// stale, matching what counterparties should see.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/abhiyanpa/olam-chat/internal/metrics"
	"github.com/abhiyanpa/olam-chat/internal/store"
)

// DefaultInterval is the heartbeat period.
const DefaultInterval = 30 * time.Second

// Heartbeat periodically refreshes one user's presence record.
type Heartbeat struct {
	store store.ProfileStore
	log   zerolog.Logger

	// Interval defaults to DefaultInterval; tests shorten it.
	Interval time.Duration

	// Visible reports whether the client is in the foreground. A nil
	// probe means always visible.
	Visible func() bool

	// Now is the clock. Swapped in tests.
	Now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	userID string
}

// NewHeartbeat creates a heartbeat over the given profile store.
func NewHeartbeat(ps store.ProfileStore, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		store:    ps,
		log:      log.With().Str("component", "presence").Logger(),
		Interval: DefaultInterval,
		Now:      time.Now,
	}
}

// Start marks the user online immediately and begins the periodic
// refresh. Starting an already-running heartbeat restarts it for the
// new user.
func (h *Heartbeat) Start(ctx context.Context, userID string) error {
	h.Stop(ctx)

	if err := h.beat(ctx, userID, true); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	h.mu.Lock()
	h.cancel = cancel
	h.done = done
	h.userID = userID
	h.mu.Unlock()

	go h.run(runCtx, userID, done)
	return nil
}

func (h *Heartbeat) run(ctx context.Context, userID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.Visible != nil && !h.Visible() {
				continue
			}
			if err := h.beat(ctx, userID, true); err != nil && ctx.Err() == nil {
				h.log.Warn().Err(err).Str("user_id", userID).Msg("presence refresh failed")
			}
		}
	}
}

// Stop halts the refresh loop and writes the offline record. The
// offline write is best effort: a failure is logged, not returned,
// because the store-side staleness cutoff covers it.
func (h *Heartbeat) Stop(ctx context.Context) {
	h.mu.Lock()
	cancel, done, userID := h.cancel, h.done, h.userID
	h.cancel, h.done, h.userID = nil, nil, ""
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	if err := h.beat(ctx, userID, false); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("offline write failed")
	}
}

func (h *Heartbeat) beat(ctx context.Context, userID string, online bool) error {
	if err := h.store.UpsertPresence(ctx, userID, online, h.Now()); err != nil {
		return err
	}
	metrics.PresenceWrites.Inc()
	return nil
}

// Package typing coordinates typing indicators for direct-message
// conversations. Each keystroke refreshes a short-lived marker in the
// store; a debounce timer clears it after the user pauses, and
// listeners drop markers whose timestamp has gone stale so a crashed
// peer cannot leave a ghost indicator behind.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/abhiyanpa/olam-chat/internal/models"
	"github.com/abhiyanpa/olam-chat/internal/store"
)

const (
	// DefaultDelay is how long after the last keystroke the marker is
	// cleared.
	DefaultDelay = 3 * time.Second
	// DefaultTTL is the staleness cutoff listeners apply as a failsafe,
	// independent of the debounce clear.
	DefaultTTL = 5 * time.Second
)

// Coordinator owns one user's outgoing typing markers and exposes the
// incoming side as a filtered watch.
type Coordinator struct {
	store store.TypingStore
	log   zerolog.Logger

	// Delay and TTL default to DefaultDelay/DefaultTTL; tests shorten
	// them.
	Delay time.Duration
	TTL   time.Duration

	// Now is the clock. Swapped in tests.
	Now func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewCoordinator creates a coordinator over the given typing store.
func NewCoordinator(ts store.TypingStore, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:  ts,
		log:    log.With().Str("component", "typing").Logger(),
		Delay:  DefaultDelay,
		TTL:    DefaultTTL,
		Now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
}

func timerKey(chatID, userID string) string {
	return chatID + "|" + userID
}

// NotifyTyping records a keystroke: it rewrites the marker with a fresh
// timestamp and pushes the debounced clear out by Delay. Every
// keystroke writes; the store write doubles as the liveness refresh for
// the TTL failsafe.
func (c *Coordinator) NotifyTyping(ctx context.Context, userID, username, peerID string) error {
	chatID := models.ChatID(userID, peerID)

	err := c.store.SetTyping(ctx, models.TypingStatus{
		ChatID:    chatID,
		UserID:    userID,
		Username:  username,
		IsTyping:  true,
		Timestamp: c.Now(),
	})
	if err != nil {
		c.log.Error().Err(err).Str("chat_id", chatID).Msg("failed to write typing marker")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := timerKey(chatID, userID)
	if t, ok := c.timers[key]; ok {
		t.Stop()
	}
	c.timers[key] = time.AfterFunc(c.Delay, func() {
		c.clear(chatID, userID)
	})
	return nil
}

// StopTyping clears the marker immediately, as on send or input blur.
// Clearing when no marker exists is a no-op.
func (c *Coordinator) StopTyping(ctx context.Context, userID, peerID string) error {
	chatID := models.ChatID(userID, peerID)

	c.mu.Lock()
	key := timerKey(chatID, userID)
	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
	c.mu.Unlock()

	return c.store.ClearTyping(ctx, chatID, userID)
}

// clear is the debounce-timer callback.
func (c *Coordinator) clear(chatID, userID string) {
	c.mu.Lock()
	delete(c.timers, timerKey(chatID, userID))
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.ClearTyping(ctx, chatID, userID); err != nil {
		c.log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to clear typing marker")
	}
}

// Listen watches the conversation between selfID and peerID and
// delivers the peers currently typing. The self marker is excluded, and
// markers older than TTL are dropped even if the store still holds
// them.
func (c *Coordinator) Listen(ctx context.Context, selfID, peerID string, fn func([]models.TypingStatus)) (store.Unsubscribe, error) {
	chatID := models.ChatID(selfID, peerID)

	return c.store.WatchTyping(ctx, chatID, func(markers []models.TypingStatus) {
		cutoff := c.Now().Add(-c.TTL)
		live := make([]models.TypingStatus, 0, len(markers))
		for _, m := range markers {
			if m.UserID == selfID || !m.IsTyping {
				continue
			}
			if m.Timestamp.Before(cutoff) {
				continue
			}
			live = append(live, m)
		}
		fn(live)
	})
}

// Shutdown cancels all pending debounce timers and clears the markers
// they guarded.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	pending := make([]string, 0, len(c.timers))
	for key, t := range c.timers {
		t.Stop()
		pending = append(pending, key)
	}
	c.timers = make(map[string]*time.Timer)
	c.mu.Unlock()

	for _, key := range pending {
		for i := 0; i < len(key); i++ {
			if key[i] == '|' {
				if err := c.store.ClearTyping(ctx, key[:i], key[i+1:]); err != nil {
					c.log.Warn().Err(err).Msg("failed to clear typing marker on shutdown")
				}
				break
			}
		}
	}
}

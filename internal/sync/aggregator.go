// Package sync contains the client-side synchronization engine: the
// conversation aggregator, which derives the inbox view, and the
// message thread synchronizer, which merges a live two-party thread.
package sync

import (
	"context"
	"sort"
	gosync "sync"

	"github.com/rs/zerolog"

	"github.com/abhiyanpa/olam-chat/internal/metrics"
	"github.com/abhiyanpa/olam-chat/internal/models"
	"github.com/abhiyanpa/olam-chat/internal/store"
)

// Aggregator derives the conversation list for one user from the raw
// message and profile collections. It holds no state of its own; every
// computation is a fresh read, so a missed notification can only delay
// the view, never corrupt it.
type Aggregator struct {
	store store.Backend
	log   zerolog.Logger

	// OnError receives refresh failures inside Watch. Nil means log
	// only. The watch stays attached either way; the next notification
	// retries.
	OnError func(error)
}

// NewAggregator creates an aggregator over the backend.
func NewAggregator(b store.Backend, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store: b,
		log:   log.With().Str("component", "aggregator").Logger(),
	}
}

// Conversations computes the inbox for userID: one entry per
// counterparty, carrying the latest message in either direction, the
// unread count, and the counterparty's profile.
func (a *Aggregator) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	sent, err := a.store.QueryBySender(ctx, userID)
	if err != nil {
		return nil, err
	}
	received, err := a.store.QueryByReceiver(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Latest message per counterparty across both directions. A missing
	// timestamp counts as the zero time, so any real timestamp wins; the
	// first-seen message is kept on exact ties.
	latest := make(map[string]models.Message)
	fallbackName := make(map[string]string)

	for _, m := range sent {
		if cur, ok := latest[m.ReceiverID]; !ok || m.CreatedAt.After(cur.CreatedAt) {
			latest[m.ReceiverID] = m
		}
		if fallbackName[m.ReceiverID] == "" {
			fallbackName[m.ReceiverID] = m.ReceiverName
		}
	}
	for _, m := range received {
		if cur, ok := latest[m.SenderID]; !ok || m.CreatedAt.After(cur.CreatedAt) {
			latest[m.SenderID] = m
		}
		if fallbackName[m.SenderID] == "" {
			fallbackName[m.SenderID] = m.SenderName
		}
	}

	if len(latest) == 0 {
		return nil, nil
	}

	unread, err := a.store.CountUnreadBySender(ctx, userID)
	if err != nil {
		return nil, err
	}

	profiles, err := a.store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	out := make([]models.Conversation, 0, len(latest))
	for counterparty, m := range latest {
		conv := models.Conversation{
			CounterpartyID:  counterparty,
			LastMessage:     m.Content,
			LastMessageTime: m.CreatedAt,
			UnreadCount:     unread[counterparty],
		}
		if p, ok := byID[counterparty]; ok {
			conv.Username = p.Username
			conv.AvatarURL = p.AvatarURL
			conv.Online = p.Online
		} else {
			// The profile may not have replicated yet; the name embedded
			// in the message keeps the row renderable.
			conv.Username = fallbackName[counterparty]
		}
		out = append(out, conv)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})

	metrics.ConversationRefreshes.Inc()
	return out, nil
}

// Watch delivers the conversation list immediately, then recomputes and
// redelivers it on every message or profile change involving the user.
func (a *Aggregator) Watch(ctx context.Context, userID string, fn func([]models.Conversation)) (store.Unsubscribe, error) {
	// The recompute runs under the delivery lock, so a slow refresh on
	// one goroutine cannot be published after a fresher one.
	var mu gosync.Mutex
	deliver := func() {
		mu.Lock()
		defer mu.Unlock()

		convs, err := a.Conversations(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				a.log.Error().Err(err).Str("user_id", userID).Msg("conversation refresh failed")
				if a.OnError != nil {
					a.OnError(err)
				}
			}
			return
		}
		fn(convs)
	}

	unsubMsgs, err := a.store.SubscribeUser(ctx, userID, deliver)
	if err != nil {
		return nil, err
	}
	unsubProfiles, err := a.store.WatchProfiles(ctx, deliver)
	if err != nil {
		unsubMsgs()
		return nil, err
	}

	deliver()

	return func() {
		unsubMsgs()
		unsubProfiles()
	}, nil
}

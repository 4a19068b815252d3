package sync

import (
	"context"
	"errors"
	"sort"
	gosync "sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/abhiyanpa/olam-chat/internal/metrics"
	"github.com/abhiyanpa/olam-chat/internal/models"
	"github.com/abhiyanpa/olam-chat/internal/ratelimit"
	"github.com/abhiyanpa/olam-chat/internal/store"
	"github.com/abhiyanpa/olam-chat/internal/validate"
	apperrors "github.com/abhiyanpa/olam-chat/pkg/errors"
)

const (
	// DefaultSendLimit and DefaultSendWindow bound outgoing messages per
	// thread.
	DefaultSendLimit  = 10
	DefaultSendWindow = 10 * time.Second

	// readBatchSize caps how many messages one mark-read write touches.
	// The write triggers a fresh notification, so a large backlog drains
	// across successive deliveries.
	readBatchSize = 5
)

// Party identifies one side of a thread.
type Party struct {
	ID       string
	Username string
}

// Thread synchronizes the two-party message view between self and peer.
// It maintains both directional subscriptions, merges them into a
// single chronological snapshot, layers optimistic entries for
// in-flight sends on top, and marks incoming messages read as they are
// observed.
type Thread struct {
	store store.Backend
	log   zerolog.Logger

	self Party
	peer Party
	fn   func([]models.Message)

	limiter    *ratelimit.Limiter
	sendLimit  int
	sendWindow time.Duration
	limitKey   string

	// Now is the clock for optimistic timestamps. Swapped in tests.
	Now func() time.Time

	mu         gosync.Mutex
	sent       []models.Message
	received   []models.Message
	optimistic []models.Message
	unsubs     []store.Unsubscribe
	closed     bool

	pubMu gosync.Mutex
}

// ThreadOption adjusts an opening thread.
type ThreadOption func(*Thread)

// WithLimiter gates Send through the limiter. A denied send consumes
// nothing: no optimistic entry appears and no store write happens.
func WithLimiter(l *ratelimit.Limiter) ThreadOption {
	return func(t *Thread) { t.limiter = l }
}

// WithSendBudget overrides the per-thread send limit and window.
func WithSendBudget(limit int, window time.Duration) ThreadOption {
	return func(t *Thread) {
		t.sendLimit = limit
		t.sendWindow = window
	}
}

// OpenThread subscribes to both directions of the conversation and
// starts delivering merged snapshots to fn. The first snapshot arrives
// before OpenThread returns.
func OpenThread(ctx context.Context, b store.Backend, log zerolog.Logger, self, peer Party, fn func([]models.Message), opts ...ThreadOption) (*Thread, error) {
	t := &Thread{
		store:      b,
		log:        log.With().Str("component", "thread").Str("peer_id", peer.ID).Logger(),
		self:       self,
		peer:       peer,
		fn:         fn,
		sendLimit:  DefaultSendLimit,
		sendWindow: DefaultSendWindow,
		limitKey:   "send:" + models.ChatID(self.ID, peer.ID),
		Now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	unsubSent, err := b.SubscribeConversation(ctx, self.ID, peer.ID, t.onSent)
	if err != nil {
		return nil, err
	}
	t.unsubs = append(t.unsubs, unsubSent)

	unsubReceived, err := b.SubscribeConversation(ctx, peer.ID, self.ID, func(msgs []models.Message) {
		t.onReceived(ctx, msgs)
	})
	if err != nil {
		unsubSent()
		return nil, err
	}
	t.unsubs = append(t.unsubs, unsubReceived)

	return t, nil
}

// onSent replaces the outgoing buffer. Optimistic entries whose
// client id now appears in the stored buffer have been confirmed and
// are dropped.
func (t *Thread) onSent(msgs []models.Message) {
	t.mu.Lock()
	t.sent = msgs

	confirmed := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.ClientID != "" {
			confirmed[m.ClientID] = true
		}
	}
	kept := t.optimistic[:0]
	for _, m := range t.optimistic {
		if !confirmed[m.ClientID] {
			kept = append(kept, m)
		}
	}
	t.optimistic = kept
	t.mu.Unlock()

	t.publishMerged()
}

// onReceived replaces the incoming buffer and marks newly observed
// messages read, a capped batch at a time.
func (t *Thread) onReceived(ctx context.Context, msgs []models.Message) {
	t.mu.Lock()
	t.received = msgs

	var toMark []string
	for _, m := range msgs {
		if !m.Read {
			toMark = append(toMark, m.ID)
			if len(toMark) == readBatchSize {
				break
			}
		}
	}

	closed := t.closed
	t.mu.Unlock()

	t.publishMerged()

	if closed || len(toMark) == 0 {
		return
	}
	if err := t.store.MarkRead(ctx, toMark); err != nil {
		if ctx.Err() == nil {
			t.log.Warn().Err(err).Int("count", len(toMark)).Msg("mark-read failed")
		}
		return
	}
	metrics.MessagesMarkedRead.Add(float64(len(toMark)))
}

// mergeLocked builds the published snapshot: both stored buffers in
// chronological order, outgoing first on equal timestamps, with
// optimistic entries appended after. Own stored messages carry a
// delivered or read status; incoming ones carry none.
func (t *Thread) mergeLocked() []models.Message {
	merged := make([]models.Message, 0, len(t.sent)+len(t.received)+len(t.optimistic))
	merged = append(merged, t.sent...)
	merged = append(merged, t.received...)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	for i := range merged {
		if merged[i].SenderID != t.self.ID {
			continue
		}
		if merged[i].Read {
			merged[i].Status = models.StatusRead
		} else {
			merged[i].Status = models.StatusDelivered
		}
	}

	merged = append(merged, t.optimistic...)
	return merged
}

// publishMerged computes the snapshot under the publish lock, so two
// concurrent deliveries can never hand the subscriber an older view
// after a newer one. Lock order is pubMu before mu, everywhere.
func (t *Thread) publishMerged() {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	snapshot := t.mergeLocked()
	t.mu.Unlock()

	metrics.ThreadMerges.Inc()
	t.fn(snapshot)
}

// SendOption decorates an outgoing message.
type SendOption func(*models.Message)

// WithReply records the message being replied to, as a denormalized
// summary that travels with the new message.
func WithReply(ref models.ReplyRef) SendOption {
	return func(m *models.Message) { m.ReplyTo = &ref }
}

// WithAttachment attaches an already-uploaded file. The bytes live in
// the blob store; only the descriptor travels with the message.
func WithAttachment(att models.Attachment) SendOption {
	return func(m *models.Message) { m.Attachment = &att }
}

// Send validates and persists a message to the peer. The draft shows up
// immediately as an optimistic entry; on store failure the entry is
// rolled back and the error returned so the composer can restore the
// draft. A rate-limited send is rejected before anything is written.
func (t *Thread) Send(ctx context.Context, content string, opts ...SendOption) (*models.Message, error) {
	draft := models.Message{
		ClientID:     ulid.Make().String(),
		SenderID:     t.self.ID,
		ReceiverID:   t.peer.ID,
		SenderName:   t.self.Username,
		ReceiverName: t.peer.Username,
		Status:       models.StatusSending,
	}
	for _, opt := range opts {
		opt(&draft)
	}

	// An attachment may travel without a caption; plain text may not be
	// empty either way.
	trimmed, err := validate.Message(content)
	if err != nil {
		if !(errors.Is(err, apperrors.ErrEmptyMessage) && draft.Attachment != nil) {
			return nil, err
		}
		trimmed = ""
	}
	draft.Content = trimmed
	draft.CreatedAt = t.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, apperrors.ErrThreadClosed
	}
	t.mu.Unlock()

	if t.limiter != nil && !t.limiter.Allow(t.limitKey, t.sendLimit, t.sendWindow) {
		return nil, apperrors.ErrRateLimited
	}

	t.mu.Lock()
	t.optimistic = append(t.optimistic, draft)
	t.mu.Unlock()
	t.publishMerged()

	toStore := draft
	toStore.Status = ""
	stored, err := t.store.Append(ctx, &toStore)
	if err != nil {
		t.mu.Lock()
		t.dropOptimisticLocked(draft.ClientID)
		t.mu.Unlock()
		t.publishMerged()

		metrics.SendFailures.Inc()
		t.log.Error().Err(err).Msg("send failed, optimistic entry rolled back")
		return nil, apperrors.ErrSendFailed(err)
	}

	// If the confirming snapshot has not arrived yet, promote the
	// optimistic entry in place rather than waiting for it.
	t.mu.Lock()
	for i := range t.optimistic {
		if t.optimistic[i].ClientID == draft.ClientID {
			t.optimistic[i].ID = stored.ID
			t.optimistic[i].CreatedAt = stored.CreatedAt
			t.optimistic[i].Status = models.StatusDelivered
			break
		}
	}
	t.mu.Unlock()
	t.publishMerged()

	metrics.MessagesSent.Inc()
	return stored, nil
}

func (t *Thread) dropOptimisticLocked(clientID string) {
	kept := t.optimistic[:0]
	for _, m := range t.optimistic {
		if m.ClientID != clientID {
			kept = append(kept, m)
		}
	}
	t.optimistic = kept
}

// Close tears down both subscriptions and forgets the thread's send
// budget. Closing twice is harmless.
func (t *Thread) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if t.limiter != nil {
		t.limiter.Clear(t.limitKey)
	}
}

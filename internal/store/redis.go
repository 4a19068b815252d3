package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abhiyanpa/olam-chat/internal/metrics"
	"github.com/abhiyanpa/olam-chat/internal/models"
)

const typingTTL = 10 * time.Second

// RedisStore is the notification side of the platform: change fan-out
// over pub/sub, and short-lived typing markers held as TTL'd keys. It
// carries no durable documents; those live in PostgresStore.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// convChannel returns the pub/sub channel for one direction of a
// conversation.
func convChannel(senderID, receiverID string) string {
	return fmt.Sprintf("conv:%s:%s", senderID, receiverID)
}

// userChannel returns the pub/sub channel for all message activity
// involving a user.
func userChannel(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// profileChannel returns the pub/sub channel for one profile's changes.
func profileChannel(id string) string {
	return fmt.Sprintf("profile:%s", id)
}

// profilesChannel is the pub/sub channel fired on any profile write.
const profilesChannel = "profiles"

// typingChannel returns the pub/sub channel for a conversation's typing
// markers.
func typingChannel(chatID string) string {
	return fmt.Sprintf("typing:%s", chatID)
}

// typingKey returns the TTL'd key holding one user's typing marker.
func typingKey(chatID, userID string) string {
	return fmt.Sprintf("typing:%s:%s", chatID, userID)
}

// PublishConversation notifies both directional subscribers and both
// users' inbox watchers that a conversation changed.
func (s *RedisStore) PublishConversation(ctx context.Context, senderID, receiverID string) error {
	defer metrics.ObserveRedis(time.Now())

	pipe := s.client.Pipeline()
	pipe.Publish(ctx, convChannel(senderID, receiverID), "")
	pipe.Publish(ctx, userChannel(senderID), "")
	pipe.Publish(ctx, userChannel(receiverID), "")
	_, err := pipe.Exec(ctx)
	return err
}

// PublishProfile notifies watchers of one profile and the global
// profiles channel.
func (s *RedisStore) PublishProfile(ctx context.Context, p *models.Profile) error {
	defer metrics.ObserveRedis(time.Now())

	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Publish(ctx, profileChannel(p.ID), payload)
	pipe.Publish(ctx, profilesChannel, "")
	_, err = pipe.Exec(ctx)
	return err
}

// SetTyping writes the marker with a TTL so an abandoned marker expires
// on its own, then notifies the conversation's typing channel.
func (s *RedisStore) SetTyping(ctx context.Context, ts models.TypingStatus) error {
	defer metrics.ObserveRedis(time.Now())

	payload, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, typingKey(ts.ChatID, ts.UserID), payload, typingTTL).Err(); err != nil {
		return err
	}
	metrics.TypingWrites.Inc()
	return s.client.Publish(ctx, typingChannel(ts.ChatID), "").Err()
}

// ClearTyping removes the marker. Clearing an absent marker is not an
// error; the notification fires either way so watchers converge.
func (s *RedisStore) ClearTyping(ctx context.Context, chatID, userID string) error {
	defer metrics.ObserveRedis(time.Now())

	if err := s.client.Del(ctx, typingKey(chatID, userID)).Err(); err != nil {
		return err
	}
	return s.client.Publish(ctx, typingChannel(chatID), "").Err()
}

// ListTyping returns all live typing markers for a conversation by
// scanning the conversation's marker keys.
func (s *RedisStore) ListTyping(ctx context.Context, chatID string) ([]models.TypingStatus, error) {
	defer metrics.ObserveRedis(time.Now())

	var out []models.TypingStatus
	iter := s.client.Scan(ctx, 0, typingKey(chatID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			// Expired between SCAN and GET.
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var ts models.TypingStatus
		if err := json.Unmarshal(raw, &ts); err != nil {
			continue
		}
		out = append(out, ts)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// subscribe runs fn on every message of the channel until cancel fires.
// It blocks until the server confirms the subscription, so callers that
// re-query after subscribing cannot miss a publish that lands in
// between. Errors after the initial subscribe are swallowed; the
// pub/sub channel closes when the returned Unsubscribe runs.
func (s *RedisStore) subscribe(ctx context.Context, channel string, fn func(payload string)) (Unsubscribe, error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	ch := sub.Channel()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}, nil
}

// SubscribeConversation fires fn on every change notification for the
// directional pair. The caller re-queries documents on each fire.
func (s *RedisStore) SubscribeConversation(ctx context.Context, senderID, receiverID string, fn func()) (Unsubscribe, error) {
	return s.subscribe(ctx, convChannel(senderID, receiverID), func(string) { fn() })
}

// SubscribeUser fires fn on every message notification involving userID.
func (s *RedisStore) SubscribeUser(ctx context.Context, userID string, fn func()) (Unsubscribe, error) {
	return s.subscribe(ctx, userChannel(userID), func(string) { fn() })
}

// SubscribeProfile delivers the published profile document on change.
func (s *RedisStore) SubscribeProfile(ctx context.Context, id string, fn func(models.Profile)) (Unsubscribe, error) {
	return s.subscribe(ctx, profileChannel(id), func(payload string) {
		var p models.Profile
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return
		}
		fn(p)
	})
}

// SubscribeProfiles fires fn on any profile write.
func (s *RedisStore) SubscribeProfiles(ctx context.Context, fn func()) (Unsubscribe, error) {
	return s.subscribe(ctx, profilesChannel, func(string) { fn() })
}

// SubscribeTyping fires fn on every typing-marker change in the
// conversation.
func (s *RedisStore) SubscribeTyping(ctx context.Context, chatID string, fn func()) (Unsubscribe, error) {
	return s.subscribe(ctx, typingChannel(chatID), func(string) { fn() })
}

package store

import (
	"context"
	"time"

	"github.com/abhiyanpa/olam-chat/internal/models"
)

// Platform implements Backend by keeping documents in Postgres and
// fanning out change notifications over Redis pub/sub. Writes land in
// Postgres first; a notification publishes only after the write is
// durable, so subscribers that re-query on notification always see the
// change.
type Platform struct {
	pg *PostgresStore
	rd *RedisStore
}

// NewPlatform composes the two stores into the backend contract.
func NewPlatform(pg *PostgresStore, rd *RedisStore) *Platform {
	return &Platform{pg: pg, rd: rd}
}

// Ping checks both underlying stores.
func (p *Platform) Ping(ctx context.Context) error {
	if err := p.pg.Ping(ctx); err != nil {
		return err
	}
	return p.rd.Ping(ctx)
}

// Close releases both underlying stores.
func (p *Platform) Close() {
	p.pg.Close()
	_ = p.rd.Close()
}

// --- profiles ---

func (p *Platform) SaveProfile(ctx context.Context, prof *models.Profile) error {
	if err := p.pg.SaveProfile(ctx, prof); err != nil {
		return err
	}
	return p.rd.PublishProfile(ctx, prof)
}

func (p *Platform) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	return p.pg.GetProfile(ctx, id)
}

func (p *Platform) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	return p.pg.ListProfiles(ctx)
}

func (p *Platform) SearchProfiles(ctx context.Context, query, excludeID string, limit int) ([]models.Profile, error) {
	return p.pg.SearchProfiles(ctx, query, excludeID, limit)
}

func (p *Platform) UpsertPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	if err := p.pg.UpsertPresence(ctx, id, online, lastSeen); err != nil {
		return err
	}
	prof, err := p.pg.GetProfile(ctx, id)
	if err != nil || prof == nil {
		return err
	}
	return p.rd.PublishProfile(ctx, prof)
}

func (p *Platform) ReserveUsername(ctx context.Context, username, ownerID string) error {
	return p.pg.ReserveUsername(ctx, username, ownerID)
}

func (p *Platform) ReleaseUsername(ctx context.Context, username string) error {
	return p.pg.ReleaseUsername(ctx, username)
}

func (p *Platform) UsernameTaken(ctx context.Context, username string) (bool, error) {
	return p.pg.UsernameTaken(ctx, username)
}

func (p *Platform) SetBanned(ctx context.Context, id string, banned bool) error {
	if err := p.pg.SetBanned(ctx, id, banned); err != nil {
		return err
	}
	prof, err := p.pg.GetProfile(ctx, id)
	if err != nil || prof == nil {
		return err
	}
	return p.rd.PublishProfile(ctx, prof)
}

func (p *Platform) WatchProfile(ctx context.Context, id string, fn func(models.Profile)) (Unsubscribe, error) {
	return p.rd.SubscribeProfile(ctx, id, fn)
}

func (p *Platform) WatchProfiles(ctx context.Context, fn func()) (Unsubscribe, error) {
	return p.rd.SubscribeProfiles(ctx, fn)
}

// --- messages ---

func (p *Platform) Append(ctx context.Context, m *models.Message) (*models.Message, error) {
	stored, err := p.pg.Append(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := p.rd.PublishConversation(ctx, stored.SenderID, stored.ReceiverID); err != nil {
		return nil, err
	}
	return stored, nil
}

func (p *Platform) QueryBySender(ctx context.Context, senderID string) ([]models.Message, error) {
	return p.pg.QueryBySender(ctx, senderID)
}

func (p *Platform) QueryByReceiver(ctx context.Context, receiverID string) ([]models.Message, error) {
	return p.pg.QueryByReceiver(ctx, receiverID)
}

func (p *Platform) QueryConversation(ctx context.Context, senderID, receiverID string) ([]models.Message, error) {
	return p.pg.QueryConversation(ctx, senderID, receiverID)
}

func (p *Platform) CountUnreadBySender(ctx context.Context, receiverID string) (map[string]int, error) {
	return p.pg.CountUnreadBySender(ctx, receiverID)
}

func (p *Platform) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.pg.MarkRead(ctx, ids); err != nil {
		return err
	}
	// Notify each affected direction once.
	pairs := make(map[[2]string]bool)
	for _, id := range ids {
		msgs, err := p.pg.queryMessages(ctx, `
			SELECT `+messageColumns+` FROM messages WHERE id = $1
		`, id)
		if err != nil || len(msgs) == 0 {
			continue
		}
		pairs[[2]string{msgs[0].SenderID, msgs[0].ReceiverID}] = true
	}
	for pair := range pairs {
		if err := p.rd.PublishConversation(ctx, pair[0], pair[1]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Platform) CountMessages(ctx context.Context) (int64, error) {
	return p.pg.CountMessages(ctx)
}

func (p *Platform) SubscribeConversation(ctx context.Context, senderID, receiverID string, fn func([]models.Message)) (Unsubscribe, error) {
	deliver := func() {
		msgs, err := p.pg.QueryConversation(ctx, senderID, receiverID)
		if err != nil {
			return
		}
		fn(msgs)
	}

	// The subscribe blocks until the server confirms it, so the initial
	// snapshot below cannot race a publish past an unregistered channel.
	unsub, err := p.rd.SubscribeConversation(ctx, senderID, receiverID, deliver)
	if err != nil {
		return nil, err
	}
	deliver()
	return unsub, nil
}

func (p *Platform) SubscribeUser(ctx context.Context, userID string, fn func()) (Unsubscribe, error) {
	return p.rd.SubscribeUser(ctx, userID, fn)
}

// --- typing ---

func (p *Platform) SetTyping(ctx context.Context, ts models.TypingStatus) error {
	return p.rd.SetTyping(ctx, ts)
}

func (p *Platform) ClearTyping(ctx context.Context, chatID, userID string) error {
	return p.rd.ClearTyping(ctx, chatID, userID)
}

func (p *Platform) WatchTyping(ctx context.Context, chatID string, fn func([]models.TypingStatus)) (Unsubscribe, error) {
	deliver := func() {
		markers, err := p.rd.ListTyping(ctx, chatID)
		if err != nil {
			return
		}
		fn(markers)
	}
	unsub, err := p.rd.SubscribeTyping(ctx, chatID, deliver)
	if err != nil {
		return nil, err
	}
	deliver()
	return unsub, nil
}

// --- accounts ---

func (p *Platform) CreateAccount(ctx context.Context, a *Account) error {
	return p.pg.CreateAccount(ctx, a)
}

func (p *Platform) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return p.pg.GetAccountByEmail(ctx, email)
}

func (p *Platform) GetAccount(ctx context.Context, id string) (*Account, error) {
	return p.pg.GetAccount(ctx, id)
}

// --- blobs ---

func (p *Platform) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	return p.pg.Put(ctx, path, data, contentType)
}

func (p *Platform) URL(ctx context.Context, path string) (string, error) {
	return p.pg.URL(ctx, path)
}

var _ Backend = (*Platform)(nil)
var _ BlobStore = (*Platform)(nil)

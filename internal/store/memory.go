package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/abhiyanpa/olam-chat/internal/models"
	apperrors "github.com/abhiyanpa/olam-chat/pkg/errors"
)

// MemoryStore is a complete in-process implementation of the backend
// contract with synchronous subscription fan-out. It backs the engine's
// tests and lets the CLI run without Postgres or Redis.
type MemoryStore struct {
	// Now is the timestamp source for server-assigned fields. Tests
	// override it to pin creation times.
	Now func() time.Time

	mu           sync.Mutex
	profiles     map[string]models.Profile
	reservations map[string]string // lowercase username -> owner id
	messages     []models.Message
	accounts     map[string]Account
	typing       map[string]map[string]models.TypingStatus // chatID -> userID
	blobs        map[string]memBlob

	nextSub     int
	convSubs    map[string]map[int]func([]models.Message) // senderID|receiverID
	userSubs    map[string]map[int]func()
	profileSubs map[string]map[int]func(models.Profile)
	profAllSubs map[int]func()
	typingSubs  map[string]map[int]func([]models.TypingStatus)
}

type memBlob struct {
	data        []byte
	contentType string
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:          time.Now,
		profiles:     make(map[string]models.Profile),
		reservations: make(map[string]string),
		accounts:     make(map[string]Account),
		typing:       make(map[string]map[string]models.TypingStatus),
		blobs:        make(map[string]memBlob),
		convSubs:     make(map[string]map[int]func([]models.Message)),
		userSubs:     make(map[string]map[int]func()),
		profileSubs:  make(map[string]map[int]func(models.Profile)),
		profAllSubs:  make(map[int]func()),
		typingSubs:   make(map[string]map[int]func([]models.TypingStatus)),
	}
}

func convKey(senderID, receiverID string) string {
	return senderID + "|" + receiverID
}

// --- profiles ---

func (s *MemoryStore) SaveProfile(ctx context.Context, p *models.Profile) error {
	s.mu.Lock()
	now := s.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.profiles[p.ID] = *p
	notify := s.profileNotificationsLocked(p.ID)
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) SearchProfiles(ctx context.Context, query, excludeID string, limit int) ([]models.Profile, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Profile
	for _, p := range s.profiles {
		if p.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(p.Username), q) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	p, ok := s.profiles[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	p.Online = online
	p.LastSeen = lastSeen
	p.UpdatedAt = s.Now()
	s.profiles[id] = p
	notify := s.profileNotificationsLocked(id)
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (s *MemoryStore) ReserveUsername(ctx context.Context, username, ownerID string) error {
	key := strings.ToLower(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.reservations[key]; ok && owner != ownerID {
		return apperrors.ErrUsernameTaken
	}
	s.reservations[key] = ownerID
	return nil
}

func (s *MemoryStore) ReleaseUsername(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, strings.ToLower(username))
	return nil
}

func (s *MemoryStore) UsernameTaken(ctx context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reservations[strings.ToLower(username)]
	return ok, nil
}

func (s *MemoryStore) SetBanned(ctx context.Context, id string, banned bool) error {
	s.mu.Lock()
	p, ok := s.profiles[id]
	if !ok {
		s.mu.Unlock()
		return apperrors.ErrProfileNotFound
	}
	p.Banned = banned
	p.UpdatedAt = s.Now()
	s.profiles[id] = p
	notify := s.profileNotificationsLocked(id)
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

// profileNotificationsLocked snapshots the callbacks to run for a profile
// write. Callbacks fire after the lock is released.
func (s *MemoryStore) profileNotificationsLocked(id string) []func() {
	var notify []func()
	if p, ok := s.profiles[id]; ok {
		for _, fn := range s.profileSubs[id] {
			fn := fn
			snapshot := p
			notify = append(notify, func() { fn(snapshot) })
		}
	}
	for _, fn := range s.profAllSubs {
		notify = append(notify, fn)
	}
	return notify
}

func (s *MemoryStore) WatchProfile(ctx context.Context, id string, fn func(models.Profile)) (Unsubscribe, error) {
	s.mu.Lock()
	if s.profileSubs[id] == nil {
		s.profileSubs[id] = make(map[int]func(models.Profile))
	}
	s.nextSub++
	token := s.nextSub
	s.profileSubs[id][token] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.profileSubs[id], token)
		s.mu.Unlock()
	}, nil
}

func (s *MemoryStore) WatchProfiles(ctx context.Context, fn func()) (Unsubscribe, error) {
	s.mu.Lock()
	s.nextSub++
	token := s.nextSub
	s.profAllSubs[token] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.profAllSubs, token)
		s.mu.Unlock()
	}, nil
}

// --- messages ---

func (s *MemoryStore) Append(ctx context.Context, m *models.Message) (*models.Message, error) {
	s.mu.Lock()
	stored := *m
	stored.ID = ulid.Make().String()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.Now()
	}
	stored.Status = ""
	stored.Read = false
	s.messages = append(s.messages, stored)
	notify := s.messageNotificationsLocked(stored.SenderID, stored.ReceiverID)
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return &stored, nil
}

func (s *MemoryStore) QueryBySender(ctx context.Context, senderID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.SenderID == senderID {
			out = append(out, m)
		}
	}
	sortDesc(out)
	return out, nil
}

func (s *MemoryStore) QueryByReceiver(ctx context.Context, receiverID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ReceiverID == receiverID {
			out = append(out, m)
		}
	}
	sortDesc(out)
	return out, nil
}

func (s *MemoryStore) QueryConversation(ctx context.Context, senderID, receiverID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryConversationLocked(senderID, receiverID), nil
}

func (s *MemoryStore) queryConversationLocked(senderID, receiverID string) []models.Message {
	var out []models.Message
	for _, m := range s.messages {
		if m.SenderID == senderID && m.ReceiverID == receiverID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) CountUnreadBySender(ctx context.Context, receiverID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, m := range s.messages {
		if m.ReceiverID == receiverID && !m.Read {
			counts[m.SenderID]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	s.mu.Lock()
	seen := make(map[string]bool)
	var dirs [][2]string
	for i := range s.messages {
		m := &s.messages[i]
		if want[m.ID] && !m.Read {
			m.Read = true
			key := convKey(m.SenderID, m.ReceiverID)
			if !seen[key] {
				seen[key] = true
				dirs = append(dirs, [2]string{m.SenderID, m.ReceiverID})
			}
		}
	}
	// Snapshots are taken after the whole batch is flipped, so
	// subscribers observe none or all of it.
	var notify []func()
	for _, d := range dirs {
		notify = append(notify, s.messageNotificationsLocked(d[0], d[1])...)
	}
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (s *MemoryStore) CountMessages(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.messages)), nil
}

// messageNotificationsLocked snapshots conversation and per-user callbacks
// affected by a write in the sender->receiver direction.
func (s *MemoryStore) messageNotificationsLocked(senderID, receiverID string) []func() {
	var notify []func()
	snapshot := s.queryConversationLocked(senderID, receiverID)
	for _, fn := range s.convSubs[convKey(senderID, receiverID)] {
		fn := fn
		notify = append(notify, func() { fn(snapshot) })
	}
	for _, id := range []string{senderID, receiverID} {
		for _, fn := range s.userSubs[id] {
			notify = append(notify, fn)
		}
	}
	return notify
}

func (s *MemoryStore) SubscribeConversation(ctx context.Context, senderID, receiverID string, fn func([]models.Message)) (Unsubscribe, error) {
	key := convKey(senderID, receiverID)

	s.mu.Lock()
	if s.convSubs[key] == nil {
		s.convSubs[key] = make(map[int]func([]models.Message))
	}
	s.nextSub++
	token := s.nextSub
	s.convSubs[key][token] = fn
	initial := s.queryConversationLocked(senderID, receiverID)
	s.mu.Unlock()

	fn(initial)

	return func() {
		s.mu.Lock()
		delete(s.convSubs[key], token)
		s.mu.Unlock()
	}, nil
}

func (s *MemoryStore) SubscribeUser(ctx context.Context, userID string, fn func()) (Unsubscribe, error) {
	s.mu.Lock()
	if s.userSubs[userID] == nil {
		s.userSubs[userID] = make(map[int]func())
	}
	s.nextSub++
	token := s.nextSub
	s.userSubs[userID][token] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.userSubs[userID], token)
		s.mu.Unlock()
	}, nil
}

// --- typing ---

func (s *MemoryStore) SetTyping(ctx context.Context, ts models.TypingStatus) error {
	s.mu.Lock()
	if s.typing[ts.ChatID] == nil {
		s.typing[ts.ChatID] = make(map[string]models.TypingStatus)
	}
	if ts.Timestamp.IsZero() {
		ts.Timestamp = s.Now()
	}
	s.typing[ts.ChatID][ts.UserID] = ts
	notify := s.typingNotificationsLocked(ts.ChatID)
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (s *MemoryStore) ClearTyping(ctx context.Context, chatID, userID string) error {
	s.mu.Lock()
	markers, ok := s.typing[chatID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if _, ok := markers[userID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(markers, userID)
	notify := s.typingNotificationsLocked(chatID)
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (s *MemoryStore) typingNotificationsLocked(chatID string) []func() {
	snapshot := make([]models.TypingStatus, 0, len(s.typing[chatID]))
	for _, ts := range s.typing[chatID] {
		snapshot = append(snapshot, ts)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Timestamp.Before(snapshot[j].Timestamp) })

	var notify []func()
	for _, fn := range s.typingSubs[chatID] {
		fn := fn
		notify = append(notify, func() { fn(snapshot) })
	}
	return notify
}

func (s *MemoryStore) WatchTyping(ctx context.Context, chatID string, fn func([]models.TypingStatus)) (Unsubscribe, error) {
	s.mu.Lock()
	if s.typingSubs[chatID] == nil {
		s.typingSubs[chatID] = make(map[int]func([]models.TypingStatus))
	}
	s.nextSub++
	token := s.nextSub
	s.typingSubs[chatID][token] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.typingSubs[chatID], token)
		s.mu.Unlock()
	}, nil
}

// --- accounts ---

func (s *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if strings.EqualFold(existing.Email, a.Email) {
			return apperrors.AlreadyExists("email is already registered")
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.Now()
	}
	s.accounts[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if strings.EqualFold(a.Email, email) {
			out := a
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// --- blobs ---

func (s *MemoryStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[path] = memBlob{data: buf, contentType: contentType}
	return "mem://" + path, nil
}

func (s *MemoryStore) URL(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[path]; !ok {
		return "", apperrors.NotFound("blob not found")
	}
	return "mem://" + path, nil
}

func sortDesc(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
}

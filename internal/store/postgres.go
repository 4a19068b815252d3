package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/abhiyanpa/olam-chat/internal/metrics"
	"github.com/abhiyanpa/olam-chat/internal/models"
	apperrors "github.com/abhiyanpa/olam-chat/pkg/errors"
)

// PostgresStore is the document side of the platform: profiles, username
// reservations, messages, accounts and attachment blobs. Live
// notifications are the RedisStore's job; Platform composes the two.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id          TEXT PRIMARY KEY,
			username    TEXT NOT NULL,
			email       TEXT NOT NULL DEFAULT '',
			avatar_url  TEXT NOT NULL DEFAULT '',
			online      BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			role        TEXT NOT NULL DEFAULT 'user',
			banned      BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS username_reservations (
			username   TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS accounts (
			id            TEXT PRIMARY KEY,
			email         TEXT UNIQUE NOT NULL,
			display_name  TEXT NOT NULL DEFAULT '',
			password_hash BYTEA NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			client_id       TEXT NOT NULL DEFAULT '',
			content         TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			receiver_id     TEXT NOT NULL,
			sender_name     TEXT NOT NULL DEFAULT '',
			receiver_name   TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			read            BOOLEAN NOT NULL DEFAULT FALSE,
			reply_to_id     TEXT NOT NULL DEFAULT '',
			reply_to_body   TEXT NOT NULL DEFAULT '',
			reply_to_sender TEXT NOT NULL DEFAULT '',
			reply_to_name   TEXT NOT NULL DEFAULT '',
			attach_name     TEXT NOT NULL DEFAULT '',
			attach_type     TEXT NOT NULL DEFAULT '',
			attach_size     BIGINT NOT NULL DEFAULT 0,
			attach_url      TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages (sender_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages (receiver_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages (receiver_id, sender_id) WHERE NOT read`,

		`CREATE TABLE IF NOT EXISTS attachments (
			path         TEXT PRIMARY KEY,
			content_type TEXT NOT NULL DEFAULT '',
			data         BYTEA NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- profiles ---

const profileColumns = `id, username, email, avatar_url, online, last_seen, role, banned, created_at, updated_at`

func scanProfile(row pgx.Row) (*models.Profile, error) {
	p := &models.Profile{}
	err := row.Scan(
		&p.ID,
		&p.Username,
		&p.Email,
		&p.AvatarURL,
		&p.Online,
		&p.LastSeen,
		&p.Role,
		&p.Banned,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) SaveProfile(ctx context.Context, p *models.Profile) error {
	defer metrics.ObservePostgres(time.Now())

	if p.Role == "" {
		p.Role = models.RoleUser
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO profiles (id, username, email, avatar_url, online, last_seen, role, banned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			avatar_url = EXCLUDED.avatar_url,
			online = EXCLUDED.online,
			last_seen = EXCLUDED.last_seen,
			role = EXCLUDED.role,
			banned = EXCLUDED.banned,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`, p.ID, p.Username, p.Email, p.AvatarURL, p.Online, p.LastSeen, p.Role, p.Banned)

	return row.Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	defer metrics.ObservePostgres(time.Now())

	p, err := scanProfile(s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	defer metrics.ObservePostgres(time.Now())

	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM profiles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SearchProfiles(ctx context.Context, query, excludeID string, limit int) ([]models.Profile, error) {
	defer metrics.ObservePostgres(time.Now())

	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE id <> $1 AND username ILIKE $2
		ORDER BY username
		LIMIT $3
	`, excludeID, "%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	defer metrics.ObservePostgres(time.Now())

	_, err := s.pool.Exec(ctx, `
		UPDATE profiles SET online = $2, last_seen = $3, updated_at = NOW() WHERE id = $1
	`, id, online, lastSeen)
	return err
}

func (s *PostgresStore) ReserveUsername(ctx context.Context, username, ownerID string) error {
	defer metrics.ObservePostgres(time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO username_reservations (username, owner_id) VALUES ($1, $2)
	`, strings.ToLower(username), ownerID)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505: unique_violation
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrUsernameTaken
		}
		return err
	}
	return nil
}

func (s *PostgresStore) ReleaseUsername(ctx context.Context, username string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM username_reservations WHERE username = $1`, strings.ToLower(username))
	return err
}

func (s *PostgresStore) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM username_reservations WHERE username = $1)
	`, strings.ToLower(username)).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) SetBanned(ctx context.Context, id string, banned bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE profiles SET banned = $2, updated_at = NOW() WHERE id = $1
	`, id, banned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrProfileNotFound
	}
	return nil
}

// --- messages ---

const messageColumns = `id, client_id, content, sender_id, receiver_id, sender_name, receiver_name,
	created_at, read, reply_to_id, reply_to_body, reply_to_sender, reply_to_name,
	attach_name, attach_type, attach_size, attach_url`

func scanMessage(row pgx.Row) (*models.Message, error) {
	m := &models.Message{}
	var replyID, replyBody, replySender, replyName string
	var attachName, attachType, attachURL string
	var attachSize int64

	err := row.Scan(
		&m.ID, &m.ClientID, &m.Content, &m.SenderID, &m.ReceiverID, &m.SenderName, &m.ReceiverName,
		&m.CreatedAt, &m.Read, &replyID, &replyBody, &replySender, &replyName,
		&attachName, &attachType, &attachSize, &attachURL,
	)
	if err != nil {
		return nil, err
	}
	if replyID != "" {
		m.ReplyTo = &models.ReplyRef{MessageID: replyID, Content: replyBody, SenderID: replySender, SenderName: replyName}
	}
	if attachURL != "" {
		m.Attachment = &models.Attachment{Name: attachName, ContentType: attachType, Size: attachSize, URL: attachURL}
	}
	return m, nil
}

func (s *PostgresStore) Append(ctx context.Context, m *models.Message) (*models.Message, error) {
	defer metrics.ObservePostgres(time.Now())

	stored := *m
	stored.ID = ulid.Make().String()
	stored.Status = ""

	var replyID, replyBody, replySender, replyName string
	if m.ReplyTo != nil {
		replyID, replyBody = m.ReplyTo.MessageID, m.ReplyTo.Content
		replySender, replyName = m.ReplyTo.SenderID, m.ReplyTo.SenderName
	}
	var attachName, attachType, attachURL string
	var attachSize int64
	if m.Attachment != nil {
		attachName, attachType = m.Attachment.Name, m.Attachment.ContentType
		attachSize, attachURL = m.Attachment.Size, m.Attachment.URL
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, client_id, content, sender_id, receiver_id, sender_name, receiver_name,
			read, reply_to_id, reply_to_body, reply_to_sender, reply_to_name,
			attach_name, attach_type, attach_size, attach_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at
	`, stored.ID, stored.ClientID, stored.Content, stored.SenderID, stored.ReceiverID,
		stored.SenderName, stored.ReceiverName,
		replyID, replyBody, replySender, replyName,
		attachName, attachType, attachSize, attachURL,
	).Scan(&stored.CreatedAt)
	if err != nil {
		return nil, err
	}
	stored.Read = false
	return &stored, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) QueryBySender(ctx context.Context, senderID string) ([]models.Message, error) {
	defer metrics.ObservePostgres(time.Now())
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE sender_id = $1 ORDER BY created_at DESC
	`, senderID)
}

func (s *PostgresStore) QueryByReceiver(ctx context.Context, receiverID string) ([]models.Message, error) {
	defer metrics.ObservePostgres(time.Now())
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE receiver_id = $1 ORDER BY created_at DESC
	`, receiverID)
}

func (s *PostgresStore) QueryConversation(ctx context.Context, senderID, receiverID string) ([]models.Message, error) {
	defer metrics.ObservePostgres(time.Now())
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE sender_id = $1 AND receiver_id = $2
		ORDER BY created_at ASC
	`, senderID, receiverID)
}

func (s *PostgresStore) CountUnreadBySender(ctx context.Context, receiverID string) (map[string]int, error) {
	defer metrics.ObservePostgres(time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT sender_id, COUNT(*) FROM messages
		WHERE receiver_id = $1 AND NOT read
		GROUP BY sender_id
	`, receiverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var senderID string
		var n int
		if err := rows.Scan(&senderID, &n); err != nil {
			return nil, err
		}
		counts[senderID] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	defer metrics.ObservePostgres(time.Now())

	// Single statement: the batch is atomic as perceived by readers.
	_, err := s.pool.Exec(ctx, `UPDATE messages SET read = TRUE WHERE id = ANY($1)`, ids)
	return err
}

func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// --- accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	defer metrics.ObservePostgres(time.Now())

	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, a.ID, strings.ToLower(a.Email), a.DisplayName, a.PasswordHash).Scan(&a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.AlreadyExists("email is already registered")
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	a := &Account{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM accounts WHERE email = $1
	`, strings.ToLower(email)).Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	a := &Account{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// --- attachment blobs ---

func (s *PostgresStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	defer metrics.ObservePostgres(time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO attachments (path, content_type, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET content_type = EXCLUDED.content_type, data = EXCLUDED.data
	`, path, contentType, data)
	if err != nil {
		return "", err
	}
	return "/attachments/" + path, nil
}

func (s *PostgresStore) URL(ctx context.Context, path string) (string, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM attachments WHERE path = $1)`, path).Scan(&exists)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", apperrors.NotFound("attachment not found")
	}
	return "/attachments/" + path, nil
}

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhiyanpa/olam-chat/internal/store"
	apperrors "github.com/abhiyanpa/olam-chat/pkg/errors"
)

const testSecret = "test-secret"

type fakeMailer struct {
	to    []string
	codes []string
}

func (m *fakeMailer) SendPasswordReset(to, code string) error {
	m.to = append(m.to, to)
	m.codes = append(m.codes, code)
	return nil
}

func newTestProvider(t *testing.T) (*Provider, *store.MemoryStore, *fakeMailer) {
	t.Helper()
	ms := store.NewMemoryStore()
	mailer := &fakeMailer{}
	return NewProvider(ms, mailer, testSecret, zerolog.Nop()), ms, mailer
}

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProvider(t)

	t.Run("happy path", func(t *testing.T) {
		account, err := p.CreateAccount(ctx, "omar@example.com", "correct-Horse9-battery", "Omar")
		require.NoError(t, err)
		assert.NotEmpty(t, account.ID)
		assert.NotEmpty(t, account.PasswordHash)
		assert.NotEqual(t, "correct-Horse9-battery", string(account.PasswordHash))
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := p.CreateAccount(ctx, "omar@example.com", "another-Strong1-pass", "Omar")
		require.Error(t, err)
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperrors.CodeAlreadyExists, appErr.Code)
	})

	t.Run("bad email", func(t *testing.T) {
		_, err := p.CreateAccount(ctx, "not-an-email", "correct-Horse9-battery", "X")
		assert.ErrorIs(t, err, apperrors.ErrInvalidEmail)
	})

	t.Run("weak password", func(t *testing.T) {
		_, err := p.CreateAccount(ctx, "weak@example.com", "aaaaaaaa", "X")
		assert.ErrorIs(t, err, apperrors.ErrWeakPassword)
	})
}

func TestSignInAndValidate(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProvider(t)

	account, err := p.CreateAccount(ctx, "omar@example.com", "correct-Horse9-battery", "Omar")
	require.NoError(t, err)

	t.Run("valid credentials", func(t *testing.T) {
		session, err := p.SignIn(ctx, "omar@example.com", "correct-Horse9-battery")
		require.NoError(t, err)
		assert.Equal(t, account.ID, session.UserID)
		assert.NotEmpty(t, session.Token)

		parsed, err := p.ValidateToken(session.Token)
		require.NoError(t, err)
		assert.Equal(t, account.ID, parsed.UserID)
		assert.Equal(t, "omar@example.com", parsed.Email)
	})

	t.Run("wrong password and unknown email look the same", func(t *testing.T) {
		_, err1 := p.SignIn(ctx, "omar@example.com", "wrong-password-123")
		_, err2 := p.SignIn(ctx, "nobody@example.com", "wrong-password-123")
		assert.ErrorIs(t, err1, apperrors.ErrInvalidCredentials)
		assert.ErrorIs(t, err2, apperrors.ErrInvalidCredentials)
	})

	t.Run("expired token", func(t *testing.T) {
		session, err := p.SignIn(ctx, "omar@example.com", "correct-Horse9-battery")
		require.NoError(t, err)

		p.Now = func() time.Time { return time.Now().Add(25 * time.Hour) }
		defer func() { p.Now = time.Now }()

		_, err = p.ValidateToken(session.Token)
		require.Error(t, err)
	})

	t.Run("tampered token", func(t *testing.T) {
		other := NewProvider(store.NewMemoryStore(), nil, "other-secret", zerolog.Nop())
		session, err := p.SignIn(ctx, "omar@example.com", "correct-Horse9-battery")
		require.NoError(t, err)

		_, err = other.ValidateToken(session.Token)
		require.Error(t, err)
	})
}

func TestStateChangeStream(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProvider(t)

	_, err := p.CreateAccount(ctx, "omar@example.com", "correct-Horse9-battery", "Omar")
	require.NoError(t, err)

	var states []State
	unsub := p.OnStateChange(func(st State) { states = append(states, st) })
	defer unsub()

	require.Len(t, states, 1, "current state delivered on registration")
	assert.Nil(t, states[0].Session)

	session, err := p.SignIn(ctx, "omar@example.com", "correct-Horse9-battery")
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.NotNil(t, states[1].Session)
	assert.Equal(t, session.UserID, states[1].Session.UserID)
	assert.Equal(t, session.UserID, p.CurrentSession().UserID)

	p.SignOut(ctx)
	require.Len(t, states, 3)
	assert.Nil(t, states[2].Session)
	assert.Nil(t, p.CurrentSession())

	// Redundant sign-out emits nothing.
	p.SignOut(ctx)
	assert.Len(t, states, 3)
}

func TestResetPassword(t *testing.T) {
	ctx := context.Background()
	p, _, mailer := newTestProvider(t)

	_, err := p.CreateAccount(ctx, "omar@example.com", "correct-Horse9-battery", "Omar")
	require.NoError(t, err)

	t.Run("known address gets mail", func(t *testing.T) {
		require.NoError(t, p.ResetPassword(ctx, "omar@example.com"))
		require.Len(t, mailer.to, 1)
		assert.Equal(t, "omar@example.com", mailer.to[0])
		assert.Len(t, mailer.codes[0], 32)
	})

	t.Run("unknown address is silently accepted", func(t *testing.T) {
		require.NoError(t, p.ResetPassword(ctx, "nobody@example.com"))
		assert.Len(t, mailer.to, 1, "no mail sent")
	})

	t.Run("no mailer configured", func(t *testing.T) {
		bare := NewProvider(store.NewMemoryStore(), nil, testSecret, zerolog.Nop())
		err := bare.ResetPassword(ctx, "omar@example.com")
		require.Error(t, err)
	})
}

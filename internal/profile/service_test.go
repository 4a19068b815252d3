package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhiyanpa/olam-chat/internal/models"
	"github.com/abhiyanpa/olam-chat/internal/store"
	apperrors "github.com/abhiyanpa/olam-chat/pkg/errors"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	s := NewService(ms, ms, zerolog.Nop())
	s.sleep = func(time.Duration) {}
	return s, ms
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		s, ms := newTestService(t)
		p, err := s.Register(ctx, "u1", "Omar_99", "omar@example.com")
		require.NoError(t, err)
		assert.Equal(t, "Omar_99", p.Username)
		assert.Equal(t, models.RoleUser, p.Role)

		taken, err := ms.UsernameTaken(ctx, "omar_99")
		require.NoError(t, err)
		assert.True(t, taken, "reservation is case-insensitive")
	})

	t.Run("invalid username", func(t *testing.T) {
		s, _ := newTestService(t)
		_, err := s.Register(ctx, "u1", "x", "x@example.com")
		assert.ErrorIs(t, err, apperrors.ErrInvalidUsername)
	})

	t.Run("username already reserved", func(t *testing.T) {
		s, _ := newTestService(t)
		_, err := s.Register(ctx, "u1", "omar", "a@example.com")
		require.NoError(t, err)

		_, err = s.Register(ctx, "u2", "OMAR", "b@example.com")
		assert.ErrorIs(t, err, apperrors.ErrUsernameTaken)
	})
}

// flakyProfiles fails the first n profile writes.
type flakyProfiles struct {
	*store.MemoryStore
	failures int
}

func (f *flakyProfiles) SaveProfile(ctx context.Context, p *models.Profile) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("transient store error")
	}
	return f.MemoryStore.SaveProfile(ctx, p)
}

func TestRegisterRetriesProfileWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within the attempt budget", func(t *testing.T) {
		fp := &flakyProfiles{MemoryStore: store.NewMemoryStore(), failures: 2}
		s := NewService(fp, nil, zerolog.Nop())
		var backoffs int
		s.sleep = func(time.Duration) { backoffs++ }

		p, err := s.Register(ctx, "u1", "omar", "omar@example.com")
		require.NoError(t, err)
		assert.Equal(t, "omar", p.Username)
		assert.Equal(t, 2, backoffs)
	})

	t.Run("gives up and releases the reservation", func(t *testing.T) {
		fp := &flakyProfiles{MemoryStore: store.NewMemoryStore(), failures: 10}
		s := NewService(fp, nil, zerolog.Nop())
		s.sleep = func(time.Duration) {}

		_, err := s.Register(ctx, "u1", "omar", "omar@example.com")
		require.Error(t, err)
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperrors.CodeInternal, appErr.Code)

		taken, err := fp.MemoryStore.UsernameTaken(ctx, "omar")
		require.NoError(t, err)
		assert.False(t, taken, "failed registration must not squat the handle")
	})
}

func TestBootstrapOAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("derives the handle from the email", func(t *testing.T) {
		s, _ := newTestService(t)
		p, err := s.BootstrapOAuth(ctx, "u1", "omar.said@example.com", "Omar Said")
		require.NoError(t, err)
		assert.Equal(t, "omarsaid", p.Username)
	})

	t.Run("probes suffixes on collision", func(t *testing.T) {
		s, _ := newTestService(t)
		_, err := s.Register(ctx, "u1", "omarsaid", "a@example.com")
		require.NoError(t, err)

		p, err := s.BootstrapOAuth(ctx, "u2", "omar.said@other.com", "")
		require.NoError(t, err)
		assert.Equal(t, "omarsaid1", p.Username)
	})

	t.Run("idempotent for an existing profile", func(t *testing.T) {
		s, _ := newTestService(t)
		first, err := s.BootstrapOAuth(ctx, "u1", "omar@example.com", "")
		require.NoError(t, err)

		again, err := s.BootstrapOAuth(ctx, "u1", "omar@example.com", "")
		require.NoError(t, err)
		assert.Equal(t, first.Username, again.Username)
	})
}

func TestUpdateUsername(t *testing.T) {
	ctx := context.Background()
	s, ms := newTestService(t)

	_, err := s.Register(ctx, "u1", "omar", "omar@example.com")
	require.NoError(t, err)
	_, err = s.Register(ctx, "u2", "sara", "sara@example.com")
	require.NoError(t, err)

	t.Run("frees the old handle", func(t *testing.T) {
		p, err := s.UpdateUsername(ctx, "u1", "omar_v2")
		require.NoError(t, err)
		assert.Equal(t, "omar_v2", p.Username)

		taken, err := ms.UsernameTaken(ctx, "omar")
		require.NoError(t, err)
		assert.False(t, taken)
	})

	t.Run("rejects a taken handle", func(t *testing.T) {
		_, err := s.UpdateUsername(ctx, "u1", "sara")
		assert.ErrorIs(t, err, apperrors.ErrUsernameTaken)
	})

	t.Run("case-only change keeps the reservation", func(t *testing.T) {
		p, err := s.UpdateUsername(ctx, "u1", "Omar_V2")
		require.NoError(t, err)
		assert.Equal(t, "Omar_V2", p.Username)

		taken, err := ms.UsernameTaken(ctx, "omar_v2")
		require.NoError(t, err)
		assert.True(t, taken)
	})
}

func TestUpdateAvatar(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	_, err := s.Register(ctx, "u1", "omar", "omar@example.com")
	require.NoError(t, err)

	p, err := s.UpdateAvatar(ctx, "u1", []byte{0xFF, 0xD8}, "image/jpeg")
	require.NoError(t, err)
	assert.NotEmpty(t, p.AvatarURL)
}

func TestSetBanned(t *testing.T) {
	ctx := context.Background()
	s, ms := newTestService(t)

	require.NoError(t, ms.SaveProfile(ctx, &models.Profile{ID: "admin", Username: "admin", Role: models.RoleAdmin}))
	_, err := s.Register(ctx, "u1", "omar", "omar@example.com")
	require.NoError(t, err)

	t.Run("non-admin refused", func(t *testing.T) {
		err := s.SetBanned(ctx, "u1", "admin", true)
		assert.ErrorIs(t, err, apperrors.ErrNotAdmin)
	})

	t.Run("admin bans and the watch fires", func(t *testing.T) {
		var forcedOut bool
		unsub, err := s.EnforceBan(ctx, "u1", func() { forcedOut = true })
		require.NoError(t, err)
		defer unsub()

		require.NoError(t, s.SetBanned(ctx, "admin", "u1", true))
		assert.True(t, forcedOut)

		p, err := ms.GetProfile(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, p.Banned)
	})

	t.Run("self-ban refused", func(t *testing.T) {
		err := s.SetBanned(ctx, "admin", "admin", true)
		require.Error(t, err)
	})
}

func TestSearchAndStats(t *testing.T) {
	ctx := context.Background()
	s, ms := newTestService(t)

	_, err := s.Register(ctx, "u1", "omar", "omar@example.com")
	require.NoError(t, err)
	_, err = s.Register(ctx, "u2", "omarion", "omarion@example.com")
	require.NoError(t, err)
	_, err = s.Register(ctx, "u3", "sara", "sara@example.com")
	require.NoError(t, err)

	t.Run("search excludes self", func(t *testing.T) {
		found, err := s.Search(ctx, "u1", "omar")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "omarion", found[0].Username)
	})

	t.Run("stats", func(t *testing.T) {
		require.NoError(t, ms.UpsertPresence(ctx, "u1", true, time.Now()))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, st.Profiles)
		assert.Equal(t, 1, st.Online)
		assert.Equal(t, 0, st.Banned)
		assert.EqualValues(t, 0, st.Messages)
	})
}

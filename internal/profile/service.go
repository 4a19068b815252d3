// Package profile manages the public profile directory: registration
// with username reservation, profile updates, moderation, and the ban
// watch that forces a banned user out of their session.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/abhiyanpa/olam-chat/internal/models"
	"github.com/abhiyanpa/olam-chat/internal/store"
	"github.com/abhiyanpa/olam-chat/internal/validate"
	apperrors "github.com/abhiyanpa/olam-chat/pkg/errors"
)

const (
	registerAttempts = 3
	registerBackoff  = time.Second

	searchLimit = 10

	// oauthProbeLimit bounds the suffix search for a free handle during
	// OAuth bootstrap.
	oauthProbeLimit = 50
)

// Stats is a point-in-time summary of the directory.
type Stats struct {
	Profiles int   `json:"profiles"`
	Online   int   `json:"online"`
	Banned   int   `json:"banned"`
	Messages int64 `json:"messages"`
}

// Service coordinates profile documents and username reservations.
type Service struct {
	store store.Backend
	blobs store.BlobStore
	log   zerolog.Logger

	// Now is the clock; sleep is the retry backoff. Swapped in tests.
	Now   func() time.Time
	sleep func(time.Duration)
}

// NewService creates a profile service. blobs may be nil when avatar
// upload is not configured.
func NewService(b store.Backend, blobs store.BlobStore, log zerolog.Logger) *Service {
	return &Service{
		store: b,
		blobs: blobs,
		log:   log.With().Str("component", "profile").Logger(),
		Now:   time.Now,
		sleep: time.Sleep,
	}
}

// Register claims the username and creates the profile document. The
// reservation is taken first so two concurrent registrations cannot
// both win; the profile write is retried with backoff, and the
// reservation is released if it never succeeds.
func (s *Service) Register(ctx context.Context, userID, username, email string) (*models.Profile, error) {
	if err := validate.Username(username); err != nil {
		return nil, err
	}

	if err := s.store.ReserveUsername(ctx, username, userID); err != nil {
		return nil, err
	}

	p := &models.Profile{
		ID:       userID,
		Username: username,
		Email:    email,
		Role:     models.RoleUser,
		LastSeen: s.Now(),
	}

	var lastErr error
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		if lastErr = s.store.SaveProfile(ctx, p); lastErr == nil {
			s.log.Info().Str("user_id", userID).Str("username", username).Msg("profile registered")
			return p, nil
		}
		s.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("profile write failed")
		if attempt < registerAttempts {
			s.sleep(registerBackoff)
		}
	}

	if err := s.store.ReleaseUsername(ctx, username); err != nil {
		s.log.Error().Err(err).Str("username", username).Msg("reservation release failed")
	}
	return nil, apperrors.ErrRegistrationFailed(lastErr)
}

// BootstrapOAuth creates a profile for a federated sign-in that has no
// chosen handle yet. The handle is derived from the email local part
// and suffixed with a counter until a free one is found.
func (s *Service) BootstrapOAuth(ctx context.Context, userID, email, displayName string) (*models.Profile, error) {
	existing, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	base := handleFromEmail(email, displayName)
	for i := 0; i < oauthProbeLimit; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s%d", base, i)
		}
		if len(candidate) > 20 {
			candidate = candidate[len(candidate)-20:]
		}

		p, err := s.Register(ctx, userID, candidate, email)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, apperrors.ErrUsernameTaken) {
			return nil, err
		}
	}
	return nil, apperrors.ErrRegistrationFailed(apperrors.ErrUsernameTaken)
}

// handleFromEmail sanitizes the email local part into a valid handle.
func handleFromEmail(email, displayName string) string {
	source := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		source = email[:at]
	} else if displayName != "" {
		source = displayName
	}

	var b strings.Builder
	for _, r := range source {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
		if b.Len() == 20 {
			break
		}
	}

	handle := b.String()
	if len(handle) < 3 {
		handle = "user" + handle
	}
	return handle
}

// UpdateUsername moves the user to a new handle. The new reservation is
// taken before the old one is released, so the user never holds zero
// handles.
func (s *Service) UpdateUsername(ctx context.Context, userID, username string) (*models.Profile, error) {
	if err := validate.Username(username); err != nil {
		return nil, err
	}

	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.ErrProfileNotFound
	}
	if p.Username == username {
		return p, nil
	}

	old := p.Username
	sameReservation := strings.EqualFold(old, username)

	// A case-only change keeps its normalized reservation.
	if !sameReservation {
		if err := s.store.ReserveUsername(ctx, username, userID); err != nil {
			return nil, err
		}
	}

	p.Username = username
	if err := s.store.SaveProfile(ctx, p); err != nil {
		if !sameReservation {
			if relErr := s.store.ReleaseUsername(ctx, username); relErr != nil {
				s.log.Error().Err(relErr).Msg("reservation release failed")
			}
		}
		return nil, err
	}

	if !sameReservation {
		if err := s.store.ReleaseUsername(ctx, old); err != nil {
			s.log.Error().Err(err).Str("username", old).Msg("old reservation release failed")
		}
	}
	return p, nil
}

// UpdateAvatar stores the image bytes and points the profile at the
// resulting URL.
func (s *Service) UpdateAvatar(ctx context.Context, userID string, data []byte, contentType string) (*models.Profile, error) {
	if s.blobs == nil {
		return nil, apperrors.New(apperrors.CodeUnavailable, "avatar storage is not configured")
	}

	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.ErrProfileNotFound
	}

	url, err := s.blobs.Put(ctx, "avatars/"+userID, data, contentType)
	if err != nil {
		return nil, err
	}

	p.AvatarURL = url
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetBanned flips the target's ban flag. Only admins may moderate, and
// an admin cannot ban themselves.
func (s *Service) SetBanned(ctx context.Context, actorID, targetID string, banned bool) error {
	actor, err := s.store.GetProfile(ctx, actorID)
	if err != nil {
		return err
	}
	if actor == nil || !actor.IsAdmin() {
		return apperrors.ErrNotAdmin
	}
	if actorID == targetID {
		return apperrors.InvalidArg("cannot ban yourself")
	}

	if err := s.store.SetBanned(ctx, targetID, banned); err != nil {
		return err
	}
	s.log.Info().Str("actor_id", actorID).Str("target_id", targetID).Bool("banned", banned).Msg("ban flag updated")
	return nil
}

// EnforceBan watches the user's own profile and fires onBanned the
// moment the ban flag appears, so the session can be torn down without
// waiting for the next request to fail.
func (s *Service) EnforceBan(ctx context.Context, userID string, onBanned func()) (store.Unsubscribe, error) {
	return s.store.WatchProfile(ctx, userID, func(p models.Profile) {
		if p.Banned {
			s.log.Warn().Str("user_id", userID).Msg("account banned, forcing sign-out")
			onBanned()
		}
	})
}

// Search finds profiles by handle substring, excluding the searcher.
func (s *Service) Search(ctx context.Context, selfID, query string) ([]models.Profile, error) {
	return s.store.SearchProfiles(ctx, query, selfID, searchLimit)
}

// Stats summarizes the directory for the admin view.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.CountMessages(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{Profiles: len(profiles), Messages: messages}
	for _, p := range profiles {
		if p.Online {
			st.Online++
		}
		if p.Banned {
			st.Banned++
		}
	}
	return st, nil
}

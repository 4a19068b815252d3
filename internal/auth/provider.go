// Package auth implements the authentication provider: account
// creation, credential sign-in with signed session tokens, password
// reset mail, and an auth-state stream for the rest of the engine to
// react to.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	gosync "sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/abhiyanpa/olam-chat/internal/store"
	"github.com/abhiyanpa/olam-chat/internal/validate"
	apperrors "github.com/abhiyanpa/olam-chat/pkg/errors"
)

const sessionTTL = 24 * time.Hour

// Session is an authenticated sign-in.
type Session struct {
	UserID      string
	Email       string
	DisplayName string
	Token       string
	ExpiresAt   time.Time
}

// State is delivered to OnStateChange listeners. A nil Session means
// signed out.
type State struct {
	Session *Session
}

type sessionClaims struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// Provider issues and validates sessions against the account store.
type Provider struct {
	accounts store.AccountStore
	mailer   Mailer
	secret   []byte
	log      zerolog.Logger

	// Now is the clock. Swapped in tests.
	Now func() time.Time

	mu        gosync.Mutex
	listeners map[int]func(State)
	nextID    int
	current   *Session
}

// NewProvider creates a provider. The mailer may be nil when password
// reset mail is not configured; ResetPassword then fails cleanly.
func NewProvider(accounts store.AccountStore, mailer Mailer, secret string, log zerolog.Logger) *Provider {
	return &Provider{
		accounts:  accounts,
		mailer:    mailer,
		secret:    []byte(secret),
		log:       log.With().Str("component", "auth").Logger(),
		Now:       time.Now,
		listeners: make(map[int]func(State)),
	}
}

// CreateAccount registers new credentials. The email must be unused and
// the password strong enough; the stored hash never leaves the store.
func (p *Provider) CreateAccount(ctx context.Context, email, password, displayName string) (*store.Account, error) {
	if err := validate.Email(email); err != nil {
		return nil, err
	}
	if err := validate.Password(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	account := &store.Account{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
	}
	if err := p.accounts.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	p.log.Info().Str("user_id", account.ID).Msg("account created")
	return account, nil
}

// SignIn verifies the credentials and issues a session token. A wrong
// email and a wrong password are indistinguishable to the caller.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	account, err := p.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperrors.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(password)); err != nil {
		return nil, apperrors.ErrInvalidCredentials
	}

	session, err := p.issue(account)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = session
	p.mu.Unlock()
	p.notify(State{Session: session})

	p.log.Info().Str("user_id", account.ID).Msg("signed in")
	return session, nil
}

func (p *Provider) issue(account *store.Account) (*Session, error) {
	expires := p.Now().Add(sessionTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Email:       account.Email,
		DisplayName: account.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "olam-chat",
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(p.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})

	signed, err := token.SignedString(p.secret)
	if err != nil {
		return nil, err
	}

	return &Session{
		UserID:      account.ID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		Token:       signed,
		ExpiresAt:   expires,
	}, nil
}

// ValidateToken checks a session token's signature and expiry and
// returns the session it encodes.
func (p *Provider) ValidateToken(tokenString string) (*Session, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return p.Now() }))
	if err != nil || !token.Valid {
		return nil, apperrors.Unauthorized("invalid or expired session token")
	}

	return &Session{
		UserID:      claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		Token:       tokenString,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// SignOut drops the current session and notifies listeners. Signing out
// twice is harmless.
func (p *Provider) SignOut(ctx context.Context) {
	p.mu.Lock()
	hadSession := p.current != nil
	p.current = nil
	p.mu.Unlock()

	if hadSession {
		p.notify(State{})
		p.log.Info().Msg("signed out")
	}
}

// CurrentSession returns the active session, or nil when signed out.
func (p *Provider) CurrentSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// OnStateChange registers a listener for sign-in and sign-out events.
// The current state is delivered immediately.
func (p *Provider) OnStateChange(fn func(State)) store.Unsubscribe {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	current := p.current
	p.mu.Unlock()

	fn(State{Session: current})

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Provider) notify(st State) {
	p.mu.Lock()
	fns := make([]func(State), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// ResetPassword mails a reset code to the account's address. An unknown
// email is reported as success so the endpoint cannot be used to probe
// which addresses exist.
func (p *Provider) ResetPassword(ctx context.Context, email string) error {
	if p.mailer == nil {
		return apperrors.New(apperrors.CodeUnavailable, "password reset mail is not configured")
	}

	account, err := p.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		return err
	}
	if account == nil {
		return nil
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	code := hex.EncodeToString(buf)

	if err := p.mailer.SendPasswordReset(account.Email, code); err != nil {
		p.log.Error().Err(err).Msg("reset mail failed")
		return apperrors.Wrap(apperrors.CodeUnavailable, "could not send reset mail", err)
	}
	return nil
}

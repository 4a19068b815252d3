package validate

import (
	"regexp"
	"strings"

	passwordvalidator "github.com/wagslane/go-password-validator"

	apperrors "github.com/abhiyanpa/olam-chat/pkg/errors"
)

const (
	// MaxMessageLength is the hard cap on message content after trimming.
	MaxMessageLength = 4096

	minPasswordLength  = 8
	minPasswordEntropy = 50
)

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)
	emailRe    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// Username checks the handle format: 3-20 characters, letters, digits
// and underscores. Case is preserved for display; callers normalize to
// lowercase for uniqueness.
func Username(username string) error {
	if !usernameRe.MatchString(username) {
		return apperrors.ErrInvalidUsername
	}
	return nil
}

// Message trims the content and checks it is non-empty and within the
// length cap. It returns the trimmed content.
func Message(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", apperrors.ErrEmptyMessage
	}
	if len(trimmed) > MaxMessageLength {
		return "", apperrors.ErrMessageTooLong
	}
	return trimmed, nil
}

// Email checks the address shape.
func Email(email string) error {
	if !emailRe.MatchString(email) {
		return apperrors.ErrInvalidEmail
	}
	return nil
}

// Password requires a minimum length and enough entropy to resist
// trivial guessing.
func Password(password string) error {
	if len(password) < minPasswordLength {
		return apperrors.ErrWeakPassword
	}
	if err := passwordvalidator.Validate(password, minPasswordEntropy); err != nil {
		return apperrors.ErrWeakPassword
	}
	return nil
}

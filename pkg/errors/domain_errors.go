package errors

var (
	// Domain errors shared across the engine and store adapters.
	ErrUsernameTaken      = AlreadyExists("username is already taken")
	ErrInvalidUsername    = InvalidArg("username must be 3-20 chars, letters, numbers and underscores only")
	ErrInvalidEmail       = InvalidArg("invalid email format")
	ErrWeakPassword       = InvalidArg("password must be at least 8 characters and not trivially guessable")
	ErrEmptyMessage       = InvalidArg("message cannot be empty")
	ErrMessageTooLong     = InvalidArg("message is too long (max 4096 characters)")
	ErrRateLimited        = ResourceExhausted("too many messages, slow down")
	ErrProfileNotFound    = NotFound("profile not found")
	ErrAccountNotFound    = NotFound("account not found")
	ErrInvalidCredentials = Unauthorized("invalid email or password")
	ErrBanned             = Forbidden("account is banned")
	ErrNotAdmin           = Forbidden("admin role required")
	ErrThreadClosed       = New(CodeUnavailable, "thread is closed")
)

func ErrRegistrationFailed(cause error) error {
	return Wrap(CodeInternal, "registration failed", cause)
}

func ErrSendFailed(cause error) error {
	return Wrap(CodeUnavailable, "message send failed", cause)
}

package service

import "errors"

// Sentinel errors for the session service; handlers map them to HTTP codes.
var (
	ErrSessionExpired       = errors.New("session expired or inactive")
	ErrRefreshTokenNotFound = errors.New("no valid refresh token for session")
	ErrInvalidRefreshToken  = errors.New("refresh token does not match")
	ErrSessionMismatch      = errors.New("token does not belong to session")
	ErrUserNotFound         = errors.New("session owner not found")
)

// AuthError is returned for every authentication or refresh rejection. The message is generic
// so callers cannot distinguish causes; errors.Is and errors.As still reach the cause.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed" }

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is a rejection rather than an infrastructure failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func reject(err error) error {
	return &AuthError{Err: err}
}

package repository

import (
	"context"
	"errors"
	"time"

	"device-sessions/backend/internal/session/domain"
)

// ErrRotationConflict is returned by RotateRefreshToken when the presented token was already
// redeemed, revoked or expired. Nothing is written in that case.
var ErrRotationConflict = errors.New("refresh token rotation conflict")

// NewSession carries the fields supplied at login.
type NewSession struct {
	UserID    string
	DeviceID  string
	UserAgent string
	IP        string
	ExpiredAt time.Time
}

// Repository defines durable persistence for sessions and refresh-token fingerprints.
// Lookups return (nil, nil) when no row qualifies; failures are *db.StoreError.
type Repository interface {
	CreateSession(ctx context.Context, s NewSession) (*domain.Session, error)
	SaveRefreshToken(ctx context.Context, sessionID, tokenHash string, expiredAt time.Time) error
	// GetValidRefreshToken returns the newest unrevoked, unexpired record (created_at DESC, id DESC).
	GetValidRefreshToken(ctx context.Context, sessionID string) (*domain.RefreshToken, error)
	RevokeRefreshTokens(ctx context.Context, sessionID string) error
	GetActiveSession(ctx context.Context, sessionID string) (*domain.Session, error)
	// DeactivateSession deactivates the session and revokes its refresh tokens in one transaction.
	DeactivateSession(ctx context.Context, sessionID string) error
	// DeactivateAllUserSessions does the same for every session of userID.
	DeactivateAllUserSessions(ctx context.Context, userID string) error
	// DeactivateDeviceSessions retires the active sessions of (userID, deviceID) and returns their ids.
	DeactivateDeviceSessions(ctx context.Context, userID, deviceID string) ([]string, error)
	// GetUserSessions lists active, unexpired sessions ordered by last_used_at DESC.
	GetUserSessions(ctx context.Context, userID string) ([]*domain.Session, error)
	// RotateRefreshToken atomically revokes the record matching presentedHash (ErrRotationConflict
	// unless exactly one matches), revokes the session's remaining records and inserts newHash.
	RotateRefreshToken(ctx context.Context, sessionID, presentedHash, newHash string, expiredAt, now time.Time) error
}

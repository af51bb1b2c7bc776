package repository

import (
	"context"
	"errors"
	"time"

	"device-sessions/backend/internal/db"
	"device-sessions/backend/internal/session/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

const sessionColumns = `id, user_id, device_id, user_agent, ip_address, is_active, created_at, last_used_at, expired_at`

// PostgresRepository implements Repository on user_sessions and refresh_tokens.
type PostgresRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresRepository returns a session repository backed by pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, now: time.Now}
}

// WithClock overrides the time used for expiry filters and row timestamps.
func (r *PostgresRepository) WithClock(now func() time.Time) *PostgresRepository {
	r.now = now
	return r
}

// CreateSession inserts an active session with a fresh uuid. last_used_at starts at created_at.
func (r *PostgresRepository) CreateSession(ctx context.Context, s NewSession) (*domain.Session, error) {
	now := r.now().UTC()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO user_sessions (
			id, user_id, device_id, user_agent, ip_address,
			is_active, created_at, last_used_at, expired_at
		) VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6, $7)
		RETURNING `+sessionColumns,
		uuid.NewString(), s.UserID, s.DeviceID, s.UserAgent, s.IP, now, s.ExpiredAt.UTC())
	out, err := scanSession(row)
	if err != nil {
		return nil, db.Wrap("CreateSession", err)
	}
	return out, nil
}

// SaveRefreshToken stores a new unrevoked fingerprint for the session.
func (r *PostgresRepository) SaveRefreshToken(ctx context.Context, sessionID, tokenHash string, expiredAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, session_id, token_hash, revoked, created_at, expired_at)
		VALUES ($1, $2, $3, FALSE, $4, $5)
	`, ulid.Make().String(), sessionID, tokenHash, r.now().UTC(), expiredAt.UTC())
	return db.Wrap("SaveRefreshToken", err)
}

// GetValidRefreshToken returns the newest redeemable record or nil.
func (r *PostgresRepository) GetValidRefreshToken(ctx context.Context, sessionID string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := r.pool.QueryRow(ctx, `
		SELECT id, session_id, token_hash, revoked, created_at, expired_at
		FROM refresh_tokens
		WHERE session_id = $1 AND revoked = FALSE AND expired_at > $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, sessionID, r.now().UTC()).Scan(&t.ID, &t.SessionID, &t.TokenHash, &t.Revoked, &t.CreatedAt, &t.ExpiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("GetValidRefreshToken", err)
	}
	return &t, nil
}

// RevokeRefreshTokens revokes every record of the session. Idempotent.
func (r *PostgresRepository) RevokeRefreshTokens(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE session_id = $1 AND revoked = FALSE`, sessionID)
	return db.Wrap("RevokeRefreshTokens", err)
}

// GetActiveSession returns the session if it is active and unexpired, else nil.
func (r *PostgresRepository) GetActiveSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM user_sessions
		WHERE id = $1 AND is_active = TRUE AND expired_at > $2
	`, sessionID, r.now().UTC())
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("GetActiveSession", err)
	}
	return s, nil
}

// DeactivateSession flips is_active and revokes the session's tokens in one transaction.
func (r *PostgresRepository) DeactivateSession(ctx context.Context, sessionID string) error {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE user_sessions SET is_active = FALSE WHERE id = $1`, sessionID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE session_id = $1 AND revoked = FALSE`, sessionID)
		return err
	})
	return db.Wrap("DeactivateSession", err)
}

// DeactivateAllUserSessions deactivates every session of the user and revokes all their tokens atomically.
func (r *PostgresRepository) DeactivateAllUserSessions(ctx context.Context, userID string) error {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE user_sessions SET is_active = FALSE WHERE user_id = $1 AND is_active = TRUE`, userID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE refresh_tokens SET revoked = TRUE
			WHERE revoked = FALSE
			  AND session_id IN (SELECT id FROM user_sessions WHERE user_id = $1)
		`, userID)
		return err
	})
	return db.Wrap("DeactivateAllUserSessions", err)
}

// DeactivateDeviceSessions retires earlier sessions on the same device so only the next login is current.
func (r *PostgresRepository) DeactivateDeviceSessions(ctx context.Context, userID, deviceID string) ([]string, error) {
	var ids []string
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE user_sessions SET is_active = FALSE
			WHERE user_id = $1 AND device_id = $2 AND is_active = TRUE
			RETURNING id
		`, userID, deviceID)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil || len(ids) == 0 {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE revoked = FALSE AND session_id = ANY($1::uuid[])`, ids)
		return err
	})
	if err != nil {
		return nil, db.Wrap("DeactivateDeviceSessions", err)
	}
	return ids, nil
}

// GetUserSessions lists the user's active, unexpired sessions, most recently used first.
func (r *PostgresRepository) GetUserSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM user_sessions
		WHERE user_id = $1 AND is_active = TRUE AND expired_at > $2
		ORDER BY last_used_at DESC, id DESC
	`, userID, r.now().UTC())
	if err != nil {
		return nil, db.Wrap("GetUserSessions", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, db.Wrap("GetUserSessions", err)
	}
	return out, nil
}

// RotateRefreshToken redeems presentedHash and stores newHash in one transaction. The conditional
// update must hit exactly one row, so of two concurrent redemptions of one token only one commits.
// Every other live record of the session is revoked too, leaving the successor as the only one.
func (r *PostgresRepository) RotateRefreshToken(ctx context.Context, sessionID, presentedHash, newHash string, expiredAt, now time.Time) error {
	now = now.UTC()
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE refresh_tokens SET revoked = TRUE
			WHERE session_id = $1 AND token_hash = $2 AND revoked = FALSE AND expired_at > $3
		`, sessionID, presentedHash, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrRotationConflict
		}
		if _, err := tx.Exec(ctx, `
			UPDATE refresh_tokens SET revoked = TRUE WHERE session_id = $1 AND revoked = FALSE
		`, sessionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO refresh_tokens (id, session_id, token_hash, revoked, created_at, expired_at)
			VALUES ($1, $2, $3, FALSE, $4, $5)
		`, ulid.Make().String(), sessionID, newHash, now, expiredAt.UTC()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE user_sessions SET last_used_at = $2 WHERE id = $1`, sessionID, now)
		return err
	})
	if errors.Is(err, ErrRotationConflict) {
		return err
	}
	return db.Wrap("RotateRefreshToken", err)
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.DeviceID,
		&s.UserAgent,
		&s.IPAddress,
		&s.IsActive,
		&s.CreatedAt,
		&s.LastUsedAt,
		&s.ExpiredAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

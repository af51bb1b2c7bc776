package repository

import (
	"context"
	"errors"

	"device-sessions/backend/internal/db"
	"device-sessions/backend/internal/user/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const userColumns = `id, name, email, password, created_at, updated_at`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository returns a user repository that uses the given pool for persistence.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("GetUserByID", err)
	}
	return u, nil
}

// GetByEmail returns the user with the given email (case-insensitive), or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = $1`, domain.NormalizeEmail(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("GetUserByEmail", err)
	}
	return u, nil
}

// Create persists the user. The user must have ID and timestamps set; it is not assigned by this method.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Name, domain.NormalizeEmail(u.Email), u.PasswordHash, u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	if db.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return db.Wrap("CreateUser", err)
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

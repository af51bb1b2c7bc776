package repository

import (
	"context"
	"errors"

	"device-sessions/backend/internal/user/domain"
)

// ErrEmailTaken is returned by Create when another user already holds the address.
var ErrEmailTaken = errors.New("email already registered")

// Repository defines persistence for users. Lookups return (nil, nil) when not found.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
}

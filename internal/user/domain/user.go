package domain

import (
	"errors"
	"strings"
	"time"
)

// User is the account that owns sessions. PasswordHash is a bcrypt hash and never leaves the service.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NormalizeEmail lowercases and trims an address for lookup and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return errors.New("name is required")
	}
	if u.Email == "" {
		return errors.New("email is required")
	}
	if !strings.Contains(u.Email, "@") {
		return errors.New("email is invalid")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	return nil
}

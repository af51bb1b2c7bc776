package security

import (
	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes is the longest input bcrypt accepts.
const MaxPasswordBytes = 72

// Hasher hashes and verifies passwords using bcrypt. Callers must not log or
// persist plaintext passwords.
type Hasher struct {
	Cost int
	// dummy is compared against when the account does not exist so that
	// unknown-email and wrong-password paths take similar time.
	dummy []byte
}

// NewHasher returns a Hasher with the given bcrypt cost, clamped to 4–31.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), cost)
	return &Hasher{Cost: cost, dummy: dummy}
}

// Hash produces a bcrypt hash of password suitable for storage.
func (h *Hasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare verifies password against the stored hash. Returns nil on match and
// bcrypt.ErrMismatchedHashAndPassword (or a parse error) otherwise.
func (h *Hasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// CompareDummy burns one bcrypt comparison and always reports a mismatch.
func (h *Hasher) CompareDummy(password string) error {
	if err := bcrypt.CompareHashAndPassword(h.dummy, []byte(password)); err != nil {
		return err
	}
	return bcrypt.ErrMismatchedHashAndPassword
}

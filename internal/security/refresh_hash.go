package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashRefreshToken returns the hex SHA-256 fingerprint stored in place of a raw refresh token.
// bcrypt is not used here because signed tokens exceed its 72-byte input limit.
func HashRefreshToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// RefreshTokenHashEqual reports whether presented hashes to storedHash, in constant time.
// An empty stored hash never matches.
func RefreshTokenHashEqual(presented, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashRefreshToken(presented)), []byte(storedHash)) == 1
}

package domain

import "time"

// Session represents a login on one device. Rows are deactivated, never deleted, by normal flows.
type Session struct {
	ID         string
	UserID     string
	DeviceID   string
	UserAgent  string
	IPAddress  string
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiredAt  time.Time
}

// Valid reports whether the session is active and unexpired at now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.IsActive && now.Before(s.ExpiredAt)
}

// RefreshToken is the persisted fingerprint of an issued refresh token. The raw token is never stored.
type RefreshToken struct {
	ID        string
	SessionID string
	TokenHash string
	Revoked   bool
	CreatedAt time.Time
	ExpiredAt time.Time
}

// Valid reports whether the record can still be redeemed at now.
func (r *RefreshToken) Valid(now time.Time) bool {
	return r != nil && !r.Revoked && now.Before(r.ExpiredAt)
}

// UserSummary is the public part of a user embedded in a View.
type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// View is the denormalized session record served to request handlers and stored in the cache.
// It is disposable and can always be rebuilt from the session row and its user.
type View struct {
	SessionID  string      `json:"sessionId"`
	UserID     string      `json:"userId"`
	DeviceID   string      `json:"deviceId"`
	User       UserSummary `json:"user"`
	UserAgent  string      `json:"userAgent"`
	IP         string      `json:"ip"`
	CreatedAt  time.Time   `json:"createdAt"`
	LastUsedAt time.Time   `json:"lastUsedAt"`
	ExpiredAt  time.Time   `json:"expiredAt"`
}

// NewView assembles a View from a session row and its owner.
func NewView(s *Session, u UserSummary) View {
	return View{
		SessionID:  s.ID,
		UserID:     s.UserID,
		DeviceID:   s.DeviceID,
		User:       u,
		UserAgent:  s.UserAgent,
		IP:         s.IPAddress,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt,
		ExpiredAt:  s.ExpiredAt,
	}
}

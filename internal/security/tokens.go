package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenInvalid is returned for malformed tokens, bad signatures or a wrong issuer.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired is returned when the exp claim has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenTypeMismatch is returned when a validly signed token is presented as the other type.
	ErrTokenTypeMismatch = errors.New("token type mismatch")
)

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the payload carried by both token types.
type Claims struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	DeviceID  string    `json:"deviceId"`
	Type      TokenType `json:"type"`
	jwt.RegisteredClaims
}

// TokenProvider issues and verifies HS256 bearer tokens. Access and refresh tokens are
// signed with independent secrets. It holds no per-token state.
type TokenProvider struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokenProvider returns a TokenProvider. Secrets should already be validated by the caller.
func NewTokenProvider(accessSecret, refreshSecret []byte, issuer string, accessTTL, refreshTTL time.Duration) *TokenProvider {
	return &TokenProvider{
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		issuer:        issuer,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
}

// WithClock replaces the time source used for issuing and validating. Intended for tests.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	p.now = now
	return p
}

// AccessTTL returns the access token lifetime.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (p *TokenProvider) RefreshTTL() time.Duration { return p.refreshTTL }

// IssueAccessToken mints a short-lived access token for the session.
func (p *TokenProvider) IssueAccessToken(userID, sessionID, deviceID string) (token string, expiresAt time.Time, err error) {
	return p.issue(TokenTypeAccess, userID, sessionID, deviceID)
}

// IssueRefreshToken mints a long-lived refresh token for the session. Every call yields a
// distinct token, even within the same second, because each carries a random jti.
func (p *TokenProvider) IssueRefreshToken(userID, sessionID, deviceID string) (token string, expiresAt time.Time, err error) {
	return p.issue(TokenTypeRefresh, userID, sessionID, deviceID)
}

func (p *TokenProvider) issue(typ TokenType, userID, sessionID, deviceID string) (string, time.Time, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := p.now().UTC()
	ttl, secret := p.accessTTL, p.accessSecret
	if typ == TokenTypeRefresh {
		ttl, secret = p.refreshTTL, p.refreshSecret
	}
	expiresAt := now.Add(ttl)
	claims := Claims{
		UserID:    userID,
		SessionID: sessionID,
		DeviceID:  deviceID,
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt.Truncate(time.Second), nil
}

// Verify parses tokenString and checks signature, issuer, expiry and type.
// The signing secret is selected by the token's claimed type, so a forged type fails the
// signature check while a genuine token of the other type yields ErrTokenTypeMismatch.
func (p *TokenProvider) Verify(tokenString string, expected TokenType) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, p.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if claims.Type != expected {
		return nil, ErrTokenTypeMismatch
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (p *TokenProvider) keyFunc(t *jwt.Token) (interface{}, error) {
	c, ok := t.Claims.(*Claims)
	if !ok {
		return nil, ErrTokenInvalid
	}
	switch c.Type {
	case TokenTypeAccess:
		return p.accessSecret, nil
	case TokenTypeRefresh:
		return p.refreshSecret, nil
	default:
		return nil, ErrTokenInvalid
	}
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"device-sessions/backend/internal/session/domain"
	"device-sessions/backend/internal/session/repository"
	"device-sessions/backend/internal/telemetry"
	userdomain "device-sessions/backend/internal/user/domain"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*userdomain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]*userdomain.User)}
}

func (r *memUserRepo) add(name, email string) *userdomain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := &userdomain.User{ID: uuid.NewString(), Name: name, Email: email, PasswordHash: "x"}
	r.users[u.ID] = u
	return u
}

func (r *memUserRepo) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// memSessionRepo mirrors the Postgres repository semantics, including the conditional rotation.
type memSessionRepo struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]*domain.Session
	tokens   []*domain.RefreshToken
	// failWith, when set, is returned by every call.
	failWith error
}

func newMemSessionRepo(now func() time.Time) *memSessionRepo {
	return &memSessionRepo{now: now, sessions: make(map[string]*domain.Session)}
}

func (r *memSessionRepo) CreateSession(ctx context.Context, ns repository.NewSession) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	now := r.now().UTC()
	s := &domain.Session{
		ID:         uuid.NewString(),
		UserID:     ns.UserID,
		DeviceID:   ns.DeviceID,
		UserAgent:  ns.UserAgent,
		IPAddress:  ns.IP,
		IsActive:   true,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiredAt:  ns.ExpiredAt,
	}
	r.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) SaveRefreshToken(ctx context.Context, sessionID, tokenHash string, expiredAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.insertToken(sessionID, tokenHash, expiredAt)
	return nil
}

func (r *memSessionRepo) insertToken(sessionID, tokenHash string, expiredAt time.Time) {
	r.tokens = append(r.tokens, &domain.RefreshToken{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		TokenHash: tokenHash,
		CreatedAt: r.now().UTC(),
		ExpiredAt: expiredAt,
	})
}

// seedOlderToken stores a live record ahead of every existing one.
func (r *memSessionRepo) seedOlderToken(sessionID, tokenHash string, expiredAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertToken(sessionID, tokenHash, expiredAt)
	last := r.tokens[len(r.tokens)-1]
	copy(r.tokens[1:], r.tokens[:len(r.tokens)-1])
	r.tokens[0] = last
}

func (r *memSessionRepo) GetValidRefreshToken(ctx context.Context, sessionID string) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	now := r.now()
	for i := len(r.tokens) - 1; i >= 0; i-- {
		t := r.tokens[i]
		if t.SessionID == sessionID && t.Valid(now) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memSessionRepo) RevokeRefreshTokens(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.revokeLocked(sessionID)
	return nil
}

func (r *memSessionRepo) revokeLocked(sessionID string) {
	for _, t := range r.tokens {
		if t.SessionID == sessionID {
			t.Revoked = true
		}
	}
}

func (r *memSessionRepo) GetActiveSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	s, ok := r.sessions[sessionID]
	if !ok || !s.Valid(r.now()) {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) DeactivateSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	if s, ok := r.sessions[sessionID]; ok {
		s.IsActive = false
	}
	r.revokeLocked(sessionID)
	return nil
}

func (r *memSessionRepo) DeactivateAllUserSessions(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	for _, s := range r.sessions {
		if s.UserID == userID {
			s.IsActive = false
			r.revokeLocked(s.ID)
		}
	}
	return nil
}

func (r *memSessionRepo) DeactivateDeviceSessions(ctx context.Context, userID, deviceID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	var ids []string
	for _, s := range r.sessions {
		if s.UserID == userID && s.DeviceID == deviceID && s.IsActive {
			s.IsActive = false
			r.revokeLocked(s.ID)
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

func (r *memSessionRepo) GetUserSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	now := r.now()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID && s.Valid(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

func (r *memSessionRepo) RotateRefreshToken(ctx context.Context, sessionID, presentedHash, newHash string, expiredAt, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	var match *domain.RefreshToken
	for _, t := range r.tokens {
		if t.SessionID == sessionID && t.TokenHash == presentedHash && t.Valid(now) {
			if match != nil {
				return repository.ErrRotationConflict
			}
			match = t
		}
	}
	if match == nil {
		return repository.ErrRotationConflict
	}
	r.revokeLocked(sessionID)
	r.insertToken(sessionID, newHash, expiredAt)
	if s, ok := r.sessions[sessionID]; ok {
		s.LastUsedAt = now
	}
	return nil
}

func (r *memSessionRepo) session(id string) domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.sessions[id]
}

func (r *memSessionRepo) tokensFor(sessionID string) []domain.RefreshToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RefreshToken
	for _, t := range r.tokens {
		if t.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	return out
}

func (r *memSessionRepo) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []telemetry.Event
	ch     chan telemetry.Event
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{ch: make(chan telemetry.Event, 64)}
}

func (e *recordingEmitter) Emit(ctx context.Context, ev telemetry.Event) error {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	select {
	case e.ch <- ev:
	default:
	}
	return nil
}

var errStoreDown = errors.New("connection refused")

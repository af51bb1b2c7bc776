// Package service orchestrates the session lifecycle: login, refresh-token rotation, logout and
// per-request session resolution over the durable store and the degradable cache.
package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"device-sessions/backend/internal/metrics"
	"device-sessions/backend/internal/security"
	"device-sessions/backend/internal/session/domain"
	"device-sessions/backend/internal/session/repository"
	"device-sessions/backend/internal/telemetry"
	userdomain "device-sessions/backend/internal/user/domain"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "device-sessions/backend/internal/session/service"

// Defaults applied by New when Options leaves a field zero.
const (
	DefaultSessionTTL = 30 * 24 * time.Hour
	DefaultViewTTL    = time.Hour
)

// SessionCache is the subset of the cache used by the service. Implementations never fail;
// they report misses and unapplied writes through their boolean results.
type SessionCache interface {
	GetSession(ctx context.Context, sessionID string) (domain.View, bool)
	GetSessions(ctx context.Context, sessionIDs []string) (found []domain.View, missing []string, ok bool)
	PutSession(ctx context.Context, v domain.View, ttl time.Duration) bool
	DropSession(ctx context.Context, sessionID string) bool
	AddToUserIndex(ctx context.Context, userID, sessionID string, ttl time.Duration) bool
	RemoveFromUserIndex(ctx context.Context, userID string, sessionIDs ...string) bool
	DropUserIndex(ctx context.Context, userID string) bool
	UserSessionIDs(ctx context.Context, userID string) ([]string, bool)
}

// TokenIssuer mints and verifies bearer tokens.
type TokenIssuer interface {
	IssueAccessToken(userID, sessionID, deviceID string) (string, time.Time, error)
	IssueRefreshToken(userID, sessionID, deviceID string) (string, time.Time, error)
	Verify(token string, expected security.TokenType) (*security.Claims, error)
	RefreshTTL() time.Duration
}

// UserReader resolves session owners.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// Options tunes the service. Zero values select defaults; nil collaborators disable their concern.
type Options struct {
	// SessionTTL is the absolute lifetime of a session created at login.
	SessionTTL time.Duration
	// ViewTTL caps how long a view repopulated on the request path stays cached.
	ViewTTL time.Duration
	Now     func() time.Time
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Events  telemetry.EventEmitter
	Tracer  trace.Tracer
	Meter   metric.Meter
}

// LoginInput describes the device a login comes from. An empty DeviceID gets a generated one.
type LoginInput struct {
	UserAgent string
	IP        string
	DeviceID  string
}

// TokenPair is the result of a successful refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// LoginResult holds the issued tokens and the new session.
type LoginResult struct {
	TokenPair
	User    domain.UserSummary
	Session domain.View
}

// Service implements the session lifecycle. Safe for concurrent use.
type Service struct {
	repo   repository.Repository
	users  UserReader
	tokens TokenIssuer
	cache  SessionCache

	sessionTTL time.Duration
	viewTTL    time.Duration
	now        func() time.Time
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	events     telemetry.EventEmitter
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

// New returns a Service with the given dependencies.
func New(repo repository.Repository, users UserReader, tokens TokenIssuer, cache SessionCache, opts Options) *Service {
	s := &Service{
		repo:       repo,
		users:      users,
		tokens:     tokens,
		cache:      cache,
		sessionTTL: opts.SessionTTL,
		viewTTL:    opts.ViewTTL,
		now:        opts.Now,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		events:     opts.Events,
		tracer:     opts.Tracer,
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = DefaultSessionTTL
	}
	if s.viewTTL <= 0 {
		s.viewTTL = DefaultViewTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithField("component", "session_service")
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	h, err := meter.Float64Histogram("session.operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of session lifecycle operations."),
	)
	if err != nil {
		s.log.WithError(err).Warn("session operation histogram unavailable")
		h = noop.Float64Histogram{}
	}
	s.duration = h
	return s
}

// Login creates a session for an already authenticated user on the given device and issues a
// token pair. An earlier active session for the same (user, device) is retired first. Cache
// writes are best-effort and never fail the login.
func (s *Service) Login(ctx context.Context, user *userdomain.User, in LoginInput) (res *LoginResult, err error) {
	ctx, span, started := s.begin(ctx, "login")
	defer func() { s.end(ctx, span, "login", started, err) }()

	if user == nil || user.ID == "" {
		return nil, errors.New("login: user is required")
	}
	deviceID := strings.TrimSpace(in.DeviceID)
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("user.id", user.ID), attribute.String("device.id", deviceID))

	superseded, err := s.repo.DeactivateDeviceSessions(ctx, user.ID, deviceID)
	if err != nil {
		return nil, err
	}
	s.evict(ctx, user.ID, superseded...)

	now := s.now().UTC()
	sess, err := s.repo.CreateSession(ctx, repository.NewSession{
		UserID:    user.ID,
		DeviceID:  deviceID,
		UserAgent: in.UserAgent,
		IP:        in.IP,
		ExpiredAt: now.Add(s.sessionTTL),
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	pair, err := s.issuePair(user.ID, sess)
	if err != nil {
		s.abandon(ctx, sess.ID)
		return nil, err
	}
	recordExpiry := earliest(pair.RefreshExpiresAt, sess.ExpiredAt)
	if err := s.repo.SaveRefreshToken(ctx, sess.ID, security.HashRefreshToken(pair.RefreshToken), recordExpiry); err != nil {
		s.abandon(ctx, sess.ID)
		return nil, err
	}

	summary := summarize(user)
	view := domain.NewView(sess, summary)
	s.cacheView(ctx, view, bounded(s.tokens.RefreshTTL(), sess.ExpiredAt.Sub(now)))

	s.emit(telemetry.Event{Type: telemetry.EventLogin, UserID: user.ID, SessionID: sess.ID, DeviceID: deviceID, IP: in.IP})
	s.log.WithFields(logrus.Fields{"user_id": user.ID, "session_id": sess.ID, "device_id": deviceID}).Info("session created")
	return &LoginResult{TokenPair: *pair, User: summary, Session: view}, nil
}

// Refresh redeems a refresh token for a new pair. The presented token is single-use: the store
// rotates it conditionally, so of several concurrent redemptions at most one succeeds. Validity
// is decided by the store only.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair *TokenPair, err error) {
	ctx, span, started := s.begin(ctx, "refresh")
	defer func() { s.end(ctx, span, "refresh", started, err) }()

	claims, err := s.tokens.Verify(refreshToken, security.TokenTypeRefresh)
	if err != nil {
		return nil, s.rejectRefresh(nil, err)
	}
	span.SetAttributes(attribute.String("session.id", claims.SessionID))

	now := s.now().UTC()
	sess, err := s.repo.GetActiveSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Valid(now) {
		s.evict(ctx, claims.UserID, claims.SessionID)
		return nil, s.rejectRefresh(claims, ErrSessionExpired)
	}
	if sess.UserID != claims.UserID {
		return nil, s.rejectRefresh(claims, ErrSessionMismatch)
	}

	record, err := s.repo.GetValidRefreshToken(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if !record.Valid(now) {
		return nil, s.rejectRefresh(claims, ErrRefreshTokenNotFound)
	}
	presented := security.HashRefreshToken(refreshToken)
	if !security.RefreshTokenHashEqual(presented, record.TokenHash) {
		return nil, s.rejectRefresh(claims, ErrInvalidRefreshToken)
	}

	pair, err = s.issuePair(sess.UserID, sess)
	if err != nil {
		return nil, err
	}
	recordExpiry := earliest(pair.RefreshExpiresAt, sess.ExpiredAt)
	err = s.repo.RotateRefreshToken(ctx, sess.ID, presented, security.HashRefreshToken(pair.RefreshToken), recordExpiry, now)
	if errors.Is(err, repository.ErrRotationConflict) {
		return nil, s.rejectRefresh(claims, ErrInvalidRefreshToken)
	}
	if err != nil {
		return nil, err
	}

	// The cached view carries lastUsedAt; drop it so the next read rebuilds it from the store.
	s.cache.DropSession(ctx, sess.ID)

	s.emit(telemetry.Event{Type: telemetry.EventRefresh, UserID: sess.UserID, SessionID: sess.ID, DeviceID: sess.DeviceID})
	return pair, nil
}

// Logout deactivates one session and revokes its refresh tokens. Logging out an unknown or
// already inactive session succeeds.
func (s *Service) Logout(ctx context.Context, sessionID string) (err error) {
	ctx, span, started := s.begin(ctx, "logout")
	defer func() { s.end(ctx, span, "logout", started, err) }()
	span.SetAttributes(attribute.String("session.id", sessionID))

	userID, err := s.ownerOf(ctx, sessionID)
	if err != nil {
		return err
	}
	s.evict(ctx, userID, sessionID)
	if err := s.repo.DeactivateSession(ctx, sessionID); err != nil {
		return err
	}
	// A concurrent request may have repopulated the entry between the first eviction and the commit.
	s.evict(context.WithoutCancel(ctx), userID, sessionID)

	s.emit(telemetry.Event{Type: telemetry.EventLogout, UserID: userID, SessionID: sessionID})
	s.log.WithFields(logrus.Fields{"user_id": userID, "session_id": sessionID}).Info("session logged out")
	return nil
}

// LogoutAllDevices deactivates every session of userID and revokes their refresh tokens.
func (s *Service) LogoutAllDevices(ctx context.Context, userID string) (err error) {
	ctx, span, started := s.begin(ctx, "logout_all")
	defer func() { s.end(ctx, span, "logout_all", started, err) }()
	span.SetAttributes(attribute.String("user.id", userID))

	ids, err := s.knownSessionIDs(ctx, userID)
	if err != nil {
		return err
	}
	s.evictAll(ctx, userID, ids)
	if err := s.repo.DeactivateAllUserSessions(ctx, userID); err != nil {
		return err
	}
	s.evictAll(context.WithoutCancel(ctx), userID, ids)

	s.emit(telemetry.Event{Type: telemetry.EventLogoutAll, UserID: userID})
	s.log.WithFields(logrus.Fields{"user_id": userID, "sessions": len(ids)}).Info("all sessions logged out")
	return nil
}

// SessionForRequest resolves the live view of sessionID, from the cache when possible and from
// the store otherwise. A view rebuilt from the store is written back best-effort.
func (s *Service) SessionForRequest(ctx context.Context, sessionID string) (v domain.View, err error) {
	ctx, span, started := s.begin(ctx, "session_for_request")
	defer func() { s.end(ctx, span, "session_for_request", started, err) }()
	span.SetAttributes(attribute.String("session.id", sessionID))
	return s.resolve(ctx, sessionID)
}

// ListActiveSessions returns the user's active sessions, most recently used first. The cache
// index answers when every listed entry is present; otherwise the store is authoritative.
func (s *Service) ListActiveSessions(ctx context.Context, userID string) (views []domain.View, err error) {
	ctx, span, started := s.begin(ctx, "list_sessions")
	defer func() { s.end(ctx, span, "list_sessions", started, err) }()
	span.SetAttributes(attribute.String("user.id", userID))

	now := s.now().UTC()
	if views, ok := s.listFromCache(ctx, userID, now); ok {
		s.metrics.CacheLookup("list_sessions", metrics.CacheHit)
		return views, nil
	}

	sessions, err := s.repo.GetUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	views = make([]domain.View, 0, len(sessions))
	if len(sessions) == 0 {
		return views, nil
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, reject(ErrUserNotFound)
	}
	summary := summarize(u)
	for _, sess := range sessions {
		v := domain.NewView(sess, summary)
		s.cacheView(ctx, v, bounded(s.viewTTL, sess.ExpiredAt.Sub(now)))
		views = append(views, v)
	}
	sortByLastUsed(views)
	return views, nil
}

// Authenticate resolves an access token to the caller's principal. The token must be a valid
// access token whose session is live and owned by the token's user.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (p *domain.Principal, err error) {
	ctx, span, started := s.begin(ctx, "authenticate")
	defer func() { s.end(ctx, span, "authenticate", started, err) }()

	claims, err := s.tokens.Verify(accessToken, security.TokenTypeAccess)
	if err != nil {
		return nil, reject(err)
	}
	span.SetAttributes(attribute.String("session.id", claims.SessionID))

	v, err := s.resolve(ctx, claims.SessionID)
	if err != nil {
		if IsAuthError(err) {
			s.emit(telemetry.Event{Type: telemetry.EventAuthRejected, UserID: claims.UserID, SessionID: claims.SessionID, Reason: reason(err)})
		}
		return nil, err
	}
	if v.UserID != claims.UserID || (claims.DeviceID != "" && v.DeviceID != claims.DeviceID) {
		err = reject(ErrSessionMismatch)
		s.emit(telemetry.Event{Type: telemetry.EventAuthRejected, UserID: claims.UserID, SessionID: claims.SessionID, Reason: reason(err)})
		return nil, err
	}
	return &domain.Principal{
		UserID:    v.UserID,
		SessionID: v.SessionID,
		DeviceID:  v.DeviceID,
		User:      v.User,
	}, nil
}

func (s *Service) resolve(ctx context.Context, sessionID string) (domain.View, error) {
	now := s.now().UTC()
	if v, ok := s.cache.GetSession(ctx, sessionID); ok {
		if now.Before(v.ExpiredAt) {
			s.metrics.CacheLookup("session", metrics.CacheHit)
			return v, nil
		}
		s.evict(ctx, v.UserID, sessionID)
	}
	s.metrics.CacheLookup("session", metrics.CacheMiss)

	sess, err := s.repo.GetActiveSession(ctx, sessionID)
	if err != nil {
		return domain.View{}, err
	}
	if !sess.Valid(now) {
		return domain.View{}, reject(ErrSessionExpired)
	}
	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return domain.View{}, err
	}
	if u == nil {
		return domain.View{}, reject(ErrUserNotFound)
	}
	v := domain.NewView(sess, summarize(u))
	s.cacheView(ctx, v, bounded(s.viewTTL, sess.ExpiredAt.Sub(now)))
	return v, nil
}

// listFromCache answers from the user index. It reports false when the cache cannot answer
// authoritatively: unavailable, empty index, or entries that have already expired.
func (s *Service) listFromCache(ctx context.Context, userID string, now time.Time) ([]domain.View, bool) {
	ids, ok := s.cache.UserSessionIDs(ctx, userID)
	if !ok {
		s.metrics.CacheLookup("list_sessions", metrics.CacheUnavailable)
		return nil, false
	}
	if len(ids) == 0 {
		s.metrics.CacheLookup("list_sessions", metrics.CacheMiss)
		return nil, false
	}
	found, missing, ok := s.cache.GetSessions(ctx, ids)
	if !ok {
		s.metrics.CacheLookup("list_sessions", metrics.CacheUnavailable)
		return nil, false
	}
	views := make([]domain.View, 0, len(found))
	for _, v := range found {
		if !now.Before(v.ExpiredAt) {
			missing = append(missing, v.SessionID)
			s.cache.DropSession(ctx, v.SessionID)
			continue
		}
		views = append(views, v)
	}
	if len(missing) > 0 {
		s.cache.RemoveFromUserIndex(ctx, userID, missing...)
		s.metrics.CacheLookup("list_sessions", metrics.CacheMiss)
		return nil, false
	}
	sortByLastUsed(views)
	return views, true
}

// knownSessionIDs unions the cached index with the store's active sessions so eviction also
// reaches views cached without an index entry.
func (s *Service) knownSessionIDs(ctx context.Context, userID string) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if cached, ok := s.cache.UserSessionIDs(ctx, userID); ok {
		for _, id := range cached {
			add(id)
		}
	}
	sessions, err := s.repo.GetUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		add(sess.ID)
	}
	return ids, nil
}

func (s *Service) ownerOf(ctx context.Context, sessionID string) (string, error) {
	if v, ok := s.cache.GetSession(ctx, sessionID); ok {
		return v.UserID, nil
	}
	sess, err := s.repo.GetActiveSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", nil
	}
	return sess.UserID, nil
}

func (s *Service) issuePair(userID string, sess *domain.Session) (*TokenPair, error) {
	access, accessExp, err := s.tokens.IssueAccessToken(userID, sess.ID, sess.DeviceID)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.tokens.IssueRefreshToken(userID, sess.ID, sess.DeviceID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// abandon retires a session whose login could not complete.
func (s *Service) abandon(ctx context.Context, sessionID string) {
	if err := s.repo.DeactivateSession(context.WithoutCancel(ctx), sessionID); err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Error("failed to retire incomplete session")
	}
}

func (s *Service) cacheView(ctx context.Context, v domain.View, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if s.cache.PutSession(ctx, v, ttl) {
		s.cache.AddToUserIndex(ctx, v.UserID, v.SessionID, ttl)
	}
}

func (s *Service) evict(ctx context.Context, userID string, sessionIDs ...string) {
	if len(sessionIDs) == 0 {
		return
	}
	for _, id := range sessionIDs {
		s.cache.DropSession(ctx, id)
	}
	if userID != "" {
		s.cache.RemoveFromUserIndex(ctx, userID, sessionIDs...)
	}
}

func (s *Service) evictAll(ctx context.Context, userID string, sessionIDs []string) {
	for _, id := range sessionIDs {
		s.cache.DropSession(ctx, id)
	}
	s.cache.DropUserIndex(ctx, userID)
}

func (s *Service) rejectRefresh(claims *security.Claims, cause error) error {
	err := reject(cause)
	ev := telemetry.Event{Type: telemetry.EventRefreshRejected, Reason: reason(err)}
	if claims != nil {
		ev.UserID, ev.SessionID, ev.DeviceID = claims.UserID, claims.SessionID, claims.DeviceID
	}
	s.emit(ev)
	return err
}

func (s *Service) emit(ev telemetry.Event) {
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	telemetry.EmitAsync(s.events, s.log, ev)
}

func (s *Service) begin(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	ctx, span := s.tracer.Start(ctx, "session."+op)
	return ctx, span, time.Now()
}

func (s *Service) end(ctx context.Context, span trace.Span, op string, started time.Time, err error) {
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case IsAuthError(err):
		outcome = metrics.OutcomeRejected
		span.SetAttributes(attribute.String("reject.reason", reason(err)))
	default:
		outcome = metrics.OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.WithError(err).WithField("op", op).Error("session operation failed")
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	span.End()
	s.metrics.Outcome(op, outcome)
	s.duration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome)))
}

func reason(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) && ae.Err != nil {
		return ae.Err.Error()
	}
	return err.Error()
}

func summarize(u *userdomain.User) domain.UserSummary {
	return domain.UserSummary{ID: u.ID, Name: u.Name, Email: u.Email}
}

func sortByLastUsed(views []domain.View) {
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].LastUsedAt.After(views[j].LastUsedAt)
	})
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func bounded(ttl, remaining time.Duration) time.Duration {
	if remaining < ttl {
		return remaining
	}
	return ttl
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"device-sessions/backend/internal/metrics"
	"device-sessions/backend/internal/security"
	"device-sessions/backend/internal/session/cache"
	"device-sessions/backend/internal/session/domain"
	"device-sessions/backend/internal/telemetry"
	userdomain "device-sessions/backend/internal/user/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type cacheMode int

const (
	cacheUp cacheMode = iota
	cacheDisabled
	cacheDown
)

func (m cacheMode) String() string {
	switch m {
	case cacheUp:
		return "cache up"
	case cacheDisabled:
		return "cache disabled"
	default:
		return "cache down"
	}
}

type testEnv struct {
	svc    *Service
	repo   *memSessionRepo
	users  *memUserRepo
	clock  *fakeClock
	tokens *security.TokenProvider
	cache  *cache.Cache
	mr     *miniredis.Miniredis
	events *recordingEmitter
	user   *userdomain.User
}

const (
	testSessionTTL = 48 * time.Hour
	testViewTTL    = time.Hour
)

func newTestEnv(t *testing.T, mode cacheMode) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	env := &testEnv{clock: newFakeClock(), users: newMemUserRepo(), events: newRecordingEmitter()}
	env.repo = newMemSessionRepo(env.clock.Now)
	env.tokens = security.NewTestTokenProvider().WithClock(env.clock.Now)
	env.user = env.users.add("Ada Lovelace", "ada@example.com")

	switch mode {
	case cacheDisabled:
		env.cache = cache.NewDisabled()
	default:
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run failed: %v", err)
		}
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
		env.cache = cache.New(rdb, log)
		env.mr = mr
		t.Cleanup(func() {
			_ = env.cache.Close()
			mr.Close()
		})
		if !env.cache.IsReallyAvailable(context.Background()) {
			t.Fatal("fresh miniredis should be available")
		}
		if mode == cacheDown {
			mr.Close()
			if env.cache.IsReallyAvailable(context.Background()) {
				t.Fatal("closed miniredis should be unavailable")
			}
		}
	}

	env.svc = New(env.repo, env.users, env.tokens, env.cache, Options{
		SessionTTL: testSessionTTL,
		ViewTTL:    testViewTTL,
		Now:        env.clock.Now,
		Logger:     log,
		Metrics:    metrics.New(),
		Events:     env.events,
	})
	return env
}

func (e *testEnv) login(t *testing.T, deviceID string) *LoginResult {
	t.Helper()
	res, err := e.svc.Login(context.Background(), e.user, LoginInput{UserAgent: "test/1.0", IP: "10.0.0.1", DeviceID: deviceID})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

func assertAuthError(t *testing.T, err, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", want)
	}
	if !IsAuthError(err) {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
	if err.Error() != "authentication failed" {
		t.Errorf("AuthError message = %q, want generic message", err.Error())
	}
	if !errors.Is(err, want) {
		t.Errorf("errors.Is(%v, %v) = false", err, want)
	}
}

func waitForEvent(t *testing.T, e *recordingEmitter, typ string) telemetry.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s not emitted", typ)
			return telemetry.Event{}
		}
	}
}

func TestService_LoginPersistsAndCaches(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	res := env.login(t, "laptop")

	if res.Session.DeviceID != "laptop" || res.Session.UserID != env.user.ID {
		t.Fatalf("session view = %+v", res.Session)
	}
	if res.User.Email != env.user.Email || res.Session.User.Name != env.user.Name {
		t.Errorf("user summary = %+v", res.User)
	}
	stored := env.repo.session(res.Session.SessionID)
	if !stored.IsActive || !stored.ExpiredAt.Equal(env.clock.Now().Add(testSessionTTL)) {
		t.Errorf("stored session = %+v", stored)
	}
	if !stored.LastUsedAt.Equal(stored.CreatedAt) {
		t.Error("lastUsedAt should equal createdAt at login")
	}

	records := env.repo.tokensFor(res.Session.SessionID)
	if len(records) != 1 {
		t.Fatalf("refresh records = %d, want 1", len(records))
	}
	if records[0].TokenHash != security.HashRefreshToken(res.RefreshToken) {
		t.Error("stored fingerprint does not match issued refresh token")
	}
	if records[0].TokenHash == res.RefreshToken {
		t.Error("raw refresh token must not be persisted")
	}
	if records[0].ExpiredAt.After(stored.ExpiredAt) {
		t.Error("refresh record must not outlive its session")
	}

	claims, err := env.tokens.Verify(res.AccessToken, security.TokenTypeAccess)
	if err != nil {
		t.Fatalf("Verify access: %v", err)
	}
	if claims.UserID != env.user.ID || claims.SessionID != res.Session.SessionID || claims.DeviceID != "laptop" {
		t.Errorf("access claims = %+v", claims)
	}

	key := cache.SessionKey(res.Session.SessionID)
	if !env.mr.Exists(key) {
		t.Fatal("login should cache the session view")
	}
	if ttl := env.mr.TTL(key); ttl != testSessionTTL {
		t.Errorf("cached view TTL = %v, want %v (refresh TTL bounded by session expiry)", ttl, testSessionTTL)
	}
	members, err := env.mr.Members(cache.UserIndexKey(env.user.ID))
	if err != nil || len(members) != 1 || members[0] != res.Session.SessionID {
		t.Errorf("user index = %v, %v", members, err)
	}

	ev := waitForEvent(t, env.events, telemetry.EventLogin)
	if ev.SessionID != res.Session.SessionID || ev.DeviceID != "laptop" {
		t.Errorf("login event = %+v", ev)
	}
}

func TestService_LoginGeneratesDeviceID(t *testing.T) {
	env := newTestEnv(t, cacheDisabled)
	res := env.login(t, "  ")
	if _, err := uuid.Parse(res.Session.DeviceID); err != nil {
		t.Errorf("generated device id %q is not a uuid: %v", res.Session.DeviceID, err)
	}
}

func TestService_LoginSupersedesSameDevice(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	first := env.login(t, "phone")
	second := env.login(t, "phone")

	if env.repo.session(first.Session.SessionID).IsActive {
		t.Error("earlier session on the same device should be deactivated")
	}
	if env.mr.Exists(cache.SessionKey(first.Session.SessionID)) {
		t.Error("superseded session should be evicted from the cache")
	}
	_, err := env.svc.Refresh(context.Background(), first.RefreshToken)
	assertAuthError(t, err, ErrSessionExpired)

	views, err := env.svc.ListActiveSessions(context.Background(), env.user.ID)
	if err != nil {
		t.Fatalf("ListActiveSessions: %v", err)
	}
	if len(views) != 1 || views[0].SessionID != second.Session.SessionID {
		t.Errorf("active sessions = %+v", views)
	}
}

func TestService_LoginStoreFailure(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	env.repo.fail(errStoreDown)
	_, err := env.svc.Login(context.Background(), env.user, LoginInput{DeviceID: "laptop"})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("Login err = %v, want store error", err)
	}
	if IsAuthError(err) {
		t.Error("store failure must not be reported as an authentication failure")
	}
}

func TestService_RefreshRotates(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	ctx := context.Background()
	res := env.login(t, "laptop")

	env.clock.Advance(10 * time.Minute)
	pair, err := env.svc.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.RefreshToken == res.RefreshToken || pair.AccessToken == res.AccessToken {
		t.Fatal("refresh must issue a new pair")
	}
	if got := env.repo.session(res.Session.SessionID).LastUsedAt; !got.Equal(env.clock.Now()) {
		t.Errorf("lastUsedAt = %v, want %v", got, env.clock.Now())
	}

	records := env.repo.tokensFor(res.Session.SessionID)
	if len(records) != 2 || !records[0].Revoked || records[1].Revoked {
		t.Fatalf("records after rotation = %+v", records)
	}
	if records[1].TokenHash != security.HashRefreshToken(pair.RefreshToken) {
		t.Error("successor record should hold the new fingerprint")
	}

	// A stray live record older than the current one is retired by the next rotation.
	env.repo.seedOlderToken(res.Session.SessionID, security.HashRefreshToken("stray"), res.Session.ExpiredAt)
	pair, err = env.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh with stray sibling present: %v", err)
	}
	live := 0
	for _, r := range env.repo.tokensFor(res.Session.SessionID) {
		if !r.Revoked {
			live++
			if r.TokenHash != security.HashRefreshToken(pair.RefreshToken) {
				t.Errorf("live record %s is not the successor", r.ID)
			}
		}
	}
	if live != 1 {
		t.Errorf("live records after rotation = %d, want 1", live)
	}

	v, err := env.svc.SessionForRequest(ctx, res.Session.SessionID)
	if err != nil {
		t.Fatalf("SessionForRequest: %v", err)
	}
	if !v.LastUsedAt.Equal(env.clock.Now()) {
		t.Errorf("view lastUsedAt = %v, want refreshed value", v.LastUsedAt)
	}

	_, err = env.svc.Refresh(ctx, res.RefreshToken)
	assertAuthError(t, err, ErrInvalidRefreshToken)

	if _, err := env.svc.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh with successor: %v", err)
	}
	ev := waitForEvent(t, env.events, telemetry.EventRefreshRejected)
	if ev.Reason != ErrInvalidRefreshToken.Error() {
		t.Errorf("rejection reason = %q", ev.Reason)
	}
}

func TestService_RefreshConcurrentSingleUse(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	res := env.login(t, "laptop")

	const racers = 8
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		successes int
		errs      []error
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.svc.Refresh(context.Background(), res.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			errs = append(errs, err)
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successful refreshes = %d, want exactly 1", successes)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrInvalidRefreshToken) {
			t.Errorf("losing refresh err = %v, want ErrInvalidRefreshToken", err)
		}
	}
	valid := 0
	for _, r := range env.repo.tokensFor(res.Session.SessionID) {
		if !r.Revoked {
			valid++
		}
	}
	if valid != 1 {
		t.Errorf("unrevoked records = %d, want 1", valid)
	}
}

func TestService_RefreshRejections(t *testing.T) {
	testCases := []struct {
		name  string
		token func(t *testing.T, env *testEnv, res *LoginResult) string
		want  error
	}{
		{
			name:  "garbage",
			token: func(*testing.T, *testEnv, *LoginResult) string { return "not-a-jwt" },
			want:  security.ErrTokenInvalid,
		},
		{
			name:  "access token presented as refresh",
			token: func(_ *testing.T, _ *testEnv, res *LoginResult) string { return res.AccessToken },
			want:  security.ErrTokenTypeMismatch,
		},
		{
			name: "expired",
			token: func(t *testing.T, env *testEnv, res *LoginResult) string {
				env.clock.Advance(env.tokens.RefreshTTL() + time.Second)
				return res.RefreshToken
			},
			want: security.ErrTokenExpired,
		},
		{
			name: "logged out",
			token: func(t *testing.T, env *testEnv, res *LoginResult) string {
				if err := env.svc.Logout(context.Background(), res.Session.SessionID); err != nil {
					t.Fatalf("Logout: %v", err)
				}
				return res.RefreshToken
			},
			want: ErrSessionExpired,
		},
		{
			name: "session past expiry",
			token: func(t *testing.T, env *testEnv, res *LoginResult) string {
				env.clock.Advance(testSessionTTL + time.Second)
				return res.RefreshToken
			},
			want: ErrSessionExpired,
		},
		{
			name: "records revoked",
			token: func(t *testing.T, env *testEnv, res *LoginResult) string {
				if err := env.repo.RevokeRefreshTokens(context.Background(), res.Session.SessionID); err != nil {
					t.Fatalf("RevokeRefreshTokens: %v", err)
				}
				return res.RefreshToken
			},
			want: ErrRefreshTokenNotFound,
		},
		{
			name: "token for another user",
			token: func(t *testing.T, env *testEnv, res *LoginResult) string {
				tok, _, err := env.tokens.IssueRefreshToken(uuid.NewString(), res.Session.SessionID, "laptop")
				if err != nil {
					t.Fatalf("IssueRefreshToken: %v", err)
				}
				return tok
			},
			want: ErrSessionMismatch,
		},
		{
			name: "validly signed but never stored",
			token: func(t *testing.T, env *testEnv, res *LoginResult) string {
				tok, _, err := env.tokens.IssueRefreshToken(env.user.ID, res.Session.SessionID, "laptop")
				if err != nil {
					t.Fatalf("IssueRefreshToken: %v", err)
				}
				return tok
			},
			want: ErrInvalidRefreshToken,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, cacheUp)
			res := env.login(t, "laptop")
			_, err := env.svc.Refresh(context.Background(), tc.token(t, env, res))
			assertAuthError(t, err, tc.want)
		})
	}
}

func TestService_RefreshStoreFailureIsNotAuthError(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	res := env.login(t, "laptop")
	env.repo.fail(errStoreDown)

	_, err := env.svc.Refresh(context.Background(), res.RefreshToken)
	if !errors.Is(err, errStoreDown) || IsAuthError(err) {
		t.Fatalf("Refresh err = %v, want raw store error", err)
	}
}

func TestService_Logout(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	ctx := context.Background()
	keep := env.login(t, "laptop")
	res := env.login(t, "phone")

	if err := env.svc.Logout(ctx, res.Session.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if env.repo.session(res.Session.SessionID).IsActive {
		t.Error("session should be inactive after logout")
	}
	for _, r := range env.repo.tokensFor(res.Session.SessionID) {
		if !r.Revoked {
			t.Error("logout must revoke refresh tokens")
		}
	}
	if env.mr.Exists(cache.SessionKey(res.Session.SessionID)) {
		t.Error("logout should evict the cached view")
	}
	if ok, _ := env.mr.SIsMember(cache.UserIndexKey(env.user.ID), res.Session.SessionID); ok {
		t.Error("logout should remove the session from the user index")
	}

	_, err := env.svc.Authenticate(ctx, res.AccessToken)
	assertAuthError(t, err, ErrSessionExpired)

	if _, err := env.svc.Authenticate(ctx, keep.AccessToken); err != nil {
		t.Errorf("other device should stay logged in: %v", err)
	}
	if err := env.svc.Logout(ctx, res.Session.SessionID); err != nil {
		t.Errorf("second Logout should be a no-op, got %v", err)
	}
	if err := env.svc.Logout(ctx, uuid.NewString()); err != nil {
		t.Errorf("Logout of unknown session should succeed, got %v", err)
	}
}

func TestService_LogoutAllDevices(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	ctx := context.Background()
	a := env.login(t, "laptop")
	b := env.login(t, "phone")

	if err := env.svc.LogoutAllDevices(ctx, env.user.ID); err != nil {
		t.Fatalf("LogoutAllDevices: %v", err)
	}
	for _, res := range []*LoginResult{a, b} {
		if env.repo.session(res.Session.SessionID).IsActive {
			t.Errorf("session %s still active", res.Session.SessionID)
		}
		if env.mr.Exists(cache.SessionKey(res.Session.SessionID)) {
			t.Errorf("session %s still cached", res.Session.SessionID)
		}
		_, err := env.svc.Refresh(ctx, res.RefreshToken)
		assertAuthError(t, err, ErrSessionExpired)
	}
	if env.mr.Exists(cache.UserIndexKey(env.user.ID)) {
		t.Error("user index should be dropped")
	}
	views, err := env.svc.ListActiveSessions(ctx, env.user.ID)
	if err != nil || len(views) != 0 {
		t.Errorf("ListActiveSessions = %v, %v; want empty", views, err)
	}
}

// The cache flag can read down while the server is back; logout must still evict.
func TestService_LogoutEvictsWhileFlagStale(t *testing.T) {
	testCases := []struct {
		name   string
		logout func(env *testEnv, res *LoginResult) error
	}{
		{"logout", func(env *testEnv, res *LoginResult) error {
			return env.svc.Logout(context.Background(), res.Session.SessionID)
		}},
		{"logout all devices", func(env *testEnv, res *LoginResult) error {
			return env.svc.LogoutAllDevices(context.Background(), env.user.ID)
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, cacheUp)
			ctx := context.Background()
			res := env.login(t, "d1")

			env.mr.Close()
			if env.cache.IsReallyAvailable(ctx) {
				t.Fatal("probe should fail while the server is down")
			}
			if err := env.mr.Restart(); err != nil {
				t.Fatalf("restart: %v", err)
			}

			if err := tc.logout(env, res); err != nil {
				t.Fatalf("logout: %v", err)
			}
			if env.mr.Exists(cache.SessionKey(res.Session.SessionID)) {
				t.Fatal("cached view survived logout")
			}
			if !env.cache.IsReallyAvailable(ctx) {
				t.Fatal("cache should be reachable")
			}

			_, err := env.svc.Authenticate(ctx, res.AccessToken)
			assertAuthError(t, err, ErrSessionExpired)
			views, err := env.svc.ListActiveSessions(ctx, env.user.ID)
			if err != nil || len(views) != 0 {
				t.Errorf("ListActiveSessions = %v, %v; want empty", sessionIDs(views), err)
			}
		})
	}
}

func TestService_SessionForRequestRepopulates(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	ctx := context.Background()
	res := env.login(t, "laptop")
	key := cache.SessionKey(res.Session.SessionID)
	env.mr.Del(key)

	v, err := env.svc.SessionForRequest(ctx, res.Session.SessionID)
	if err != nil {
		t.Fatalf("SessionForRequest: %v", err)
	}
	if v.User.Email != env.user.Email || v.DeviceID != "laptop" {
		t.Errorf("view = %+v", v)
	}
	if !env.mr.Exists(key) {
		t.Fatal("view should be written back after a miss")
	}
	if ttl := env.mr.TTL(key); ttl != testViewTTL {
		t.Errorf("repopulated TTL = %v, want %v", ttl, testViewTTL)
	}
}

func TestService_CachedViewServesWhileStoreDown(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	res := env.login(t, "laptop")
	env.repo.fail(errStoreDown)

	p, err := env.svc.Authenticate(context.Background(), res.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate from cache: %v", err)
	}
	if p.SessionID != res.Session.SessionID {
		t.Errorf("principal = %+v", p)
	}
}

func TestService_Authenticate(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	ctx := context.Background()
	res := env.login(t, "laptop")

	p, err := env.svc.Authenticate(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.UserID != env.user.ID || p.DeviceID != "laptop" || p.User.Name != env.user.Name {
		t.Errorf("principal = %+v", p)
	}

	_, err = env.svc.Authenticate(ctx, res.RefreshToken)
	assertAuthError(t, err, security.ErrTokenTypeMismatch)

	forged, _, err := env.tokens.IssueAccessToken(uuid.NewString(), res.Session.SessionID, "laptop")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	_, err = env.svc.Authenticate(ctx, forged)
	assertAuthError(t, err, ErrSessionMismatch)

	otherDevice, _, err := env.tokens.IssueAccessToken(env.user.ID, res.Session.SessionID, "tablet")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	_, err = env.svc.Authenticate(ctx, otherDevice)
	assertAuthError(t, err, ErrSessionMismatch)

	env.clock.Advance(env.tokens.AccessTTL() + time.Second)
	_, err = env.svc.Authenticate(ctx, res.AccessToken)
	assertAuthError(t, err, security.ErrTokenExpired)
}

func TestService_ExpiryBoundary(t *testing.T) {
	for _, mode := range []cacheMode{cacheUp, cacheDisabled, cacheDown} {
		t.Run(mode.String(), func(t *testing.T) {
			env := newTestEnv(t, mode)
			ctx := context.Background()
			res := env.login(t, "laptop")

			env.clock.Advance(testSessionTTL - time.Second)
			if _, err := env.svc.SessionForRequest(ctx, res.Session.SessionID); err != nil {
				t.Fatalf("1s before expiry: %v", err)
			}
			env.clock.Advance(2 * time.Second)
			_, err := env.svc.SessionForRequest(ctx, res.Session.SessionID)
			assertAuthError(t, err, ErrSessionExpired)
		})
	}
}

func TestService_ListActiveSessionsOrder(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	ctx := context.Background()
	a := env.login(t, "laptop")
	env.clock.Advance(time.Minute)
	b := env.login(t, "phone")
	env.clock.Advance(time.Minute)
	if _, err := env.svc.Refresh(ctx, a.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	for pass := 0; pass < 2; pass++ {
		views, err := env.svc.ListActiveSessions(ctx, env.user.ID)
		if err != nil {
			t.Fatalf("pass %d: ListActiveSessions: %v", pass, err)
		}
		if len(views) != 2 || views[0].SessionID != a.Session.SessionID || views[1].SessionID != b.Session.SessionID {
			t.Fatalf("pass %d: order = %v", pass, sessionIDs(views))
		}
	}
}

func TestService_ListActiveSessionsDanglingIndex(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	ctx := context.Background()
	a := env.login(t, "laptop")
	env.login(t, "phone")
	env.mr.Del(cache.SessionKey(a.Session.SessionID))

	views, err := env.svc.ListActiveSessions(ctx, env.user.ID)
	if err != nil {
		t.Fatalf("ListActiveSessions: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("sessions = %v, want both from the store", sessionIDs(views))
	}
	if !env.mr.Exists(cache.SessionKey(a.Session.SessionID)) {
		t.Error("store fallback should repopulate the missing view")
	}
	members, _ := env.mr.Members(cache.UserIndexKey(env.user.ID))
	if len(members) != 2 {
		t.Errorf("index members = %v, want 2", members)
	}
}

func TestService_MissingOwnerRejectedConsistently(t *testing.T) {
	env := newTestEnv(t, cacheDisabled)
	ctx := context.Background()
	res := env.login(t, "laptop")

	env.users.mu.Lock()
	delete(env.users.users, env.user.ID)
	env.users.mu.Unlock()

	_, err := env.svc.ListActiveSessions(ctx, env.user.ID)
	assertAuthError(t, err, ErrUserNotFound)
	_, err = env.svc.Authenticate(ctx, res.AccessToken)
	assertAuthError(t, err, ErrUserNotFound)
}

// runScenario drives the full lifecycle and records every observable outcome.
func runScenario(t *testing.T, env *testEnv) []string {
	t.Helper()
	ctx := context.Background()
	var log []string
	record := func(step string, err error) {
		switch {
		case err == nil:
			log = append(log, step+": ok")
		case IsAuthError(err):
			log = append(log, fmt.Sprintf("%s: rejected (%s)", step, reason(err)))
		default:
			log = append(log, fmt.Sprintf("%s: error (%v)", step, err))
		}
	}

	first := env.login(t, "laptop")
	second := env.login(t, "phone")
	_, err := env.svc.Authenticate(ctx, first.AccessToken)
	record("authenticate", err)

	env.clock.Advance(time.Minute)
	pair, err := env.svc.Refresh(ctx, first.RefreshToken)
	record("refresh", err)
	_, err = env.svc.Refresh(ctx, first.RefreshToken)
	record("replay", err)

	views, err := env.svc.ListActiveSessions(ctx, env.user.ID)
	record(fmt.Sprintf("list %d", len(views)), err)

	record("logout phone", env.svc.Logout(ctx, second.Session.SessionID))
	_, err = env.svc.Authenticate(ctx, second.AccessToken)
	record("authenticate phone", err)

	views, err = env.svc.ListActiveSessions(ctx, env.user.ID)
	record(fmt.Sprintf("list %d", len(views)), err)

	record("logout all", env.svc.LogoutAllDevices(ctx, env.user.ID))
	_, err = env.svc.Authenticate(ctx, pair.AccessToken)
	record("authenticate after logout all", err)
	_, err = env.svc.Refresh(ctx, pair.RefreshToken)
	record("refresh after logout all", err)
	return log
}

func TestService_Scenario(t *testing.T) {
	env := newTestEnv(t, cacheUp)
	got := runScenario(t, env)
	want := []string{
		"authenticate: ok",
		"refresh: ok",
		"replay: rejected (refresh token does not match)",
		"list 2: ok",
		"logout phone: ok",
		"authenticate phone: rejected (session expired or inactive)",
		"list 1: ok",
		"logout all: ok",
		"authenticate after logout all: rejected (session expired or inactive)",
		"refresh after logout all: rejected (session expired or inactive)",
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("scenario:\n got %q\nwant %q", got, want)
	}
}

func TestService_CacheDownEquivalence(t *testing.T) {
	baseline := runScenario(t, newTestEnv(t, cacheUp))
	for _, mode := range []cacheMode{cacheDisabled, cacheDown} {
		t.Run(mode.String(), func(t *testing.T) {
			got := runScenario(t, newTestEnv(t, mode))
			if fmt.Sprint(got) != fmt.Sprint(baseline) {
				t.Errorf("outcomes diverge from cache-up run:\n got %q\nwant %q", got, baseline)
			}
		})
	}
}

// staleRecordRepo serves a refresh record captured before a concurrent rotation, so the
// service reaches the conditional rotation with a fingerprint that has already been redeemed.
type staleRecordRepo struct {
	*memSessionRepo
	stale domain.RefreshToken
}

func (r *staleRecordRepo) GetValidRefreshToken(ctx context.Context, sessionID string) (*domain.RefreshToken, error) {
	cp := r.stale
	return &cp, nil
}

func TestService_RotationConflictMapsToInvalidToken(t *testing.T) {
	env := newTestEnv(t, cacheDisabled)
	ctx := context.Background()
	res := env.login(t, "laptop")
	records := env.repo.tokensFor(res.Session.SessionID)
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	now := env.clock.Now()
	if err := env.repo.RotateRefreshToken(ctx, res.Session.SessionID, records[0].TokenHash, "other", now.Add(time.Hour), now); err != nil {
		t.Fatalf("RotateRefreshToken: %v", err)
	}

	svc := New(&staleRecordRepo{memSessionRepo: env.repo, stale: records[0]}, env.users, env.tokens, env.cache, Options{
		SessionTTL: testSessionTTL,
		Now:        env.clock.Now,
		Logger:     env.svc.log,
	})
	_, err := svc.Refresh(ctx, res.RefreshToken)
	assertAuthError(t, err, ErrInvalidRefreshToken)
	if n := len(env.repo.tokensFor(res.Session.SessionID)); n != 2 {
		t.Errorf("records = %d, want 2 (lost rotation must not insert)", n)
	}
}

func TestAuthError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", reject(ErrSessionExpired))
	if !IsAuthError(err) || !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("AuthError should unwrap through wrapping: %v", err)
	}
	if errors.Is(err, ErrInvalidRefreshToken) {
		t.Error("AuthError should only match its own cause")
	}
	if reason(err) != ErrSessionExpired.Error() {
		t.Errorf("reason = %q", reason(err))
	}
}

func sessionIDs(views []domain.View) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.SessionID
	}
	return out
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"device-sessions/backend/internal/config"
	"device-sessions/backend/internal/db"
	identityservice "device-sessions/backend/internal/identity/service"
	"device-sessions/backend/internal/logger"
	"device-sessions/backend/internal/metrics"
	"device-sessions/backend/internal/security"
	"device-sessions/backend/internal/server"
	"device-sessions/backend/internal/session/cache"
	sessionrepo "device-sessions/backend/internal/session/repository"
	sessionservice "device-sessions/backend/internal/session/service"
	"device-sessions/backend/internal/telemetry"
	otelsetup "device-sessions/backend/internal/telemetry/otel"
	userrepo "device-sessions/backend/internal/user/repository"
)

const (
	shutdownTimeout    = 10 * time.Second
	cacheProbeAttempts = 3
)

var errCacheUnreachable = errors.New("session cache unreachable")

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logger.Init(logger.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Debug:      cfg.Env == "development",
	})

	accessSecret, err := security.LoadSecret(cfg.JWTAccessSecret)
	if err != nil {
		log.Fatalf("access secret: %v", err)
	}
	refreshSecret, err := security.LoadSecret(cfg.JWTRefreshSecret)
	if err != nil {
		log.Fatalf("refresh secret: %v", err)
	}
	if err := config.ValidateSecrets(accessSecret, refreshSecret); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
		Insecure:    cfg.OTLPInsecure,
	}, log)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{
		MaxConns: cfg.DBMaxConns,
		Attempts: cfg.DBConnectAttempts,
	}, log)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	m := metrics.New()
	sessionCache := newCache(ctx, cfg, m, log)
	defer func() { _ = sessionCache.Close() }()

	users := userrepo.NewPostgresRepository(pool)
	tokens := security.NewTokenProvider(accessSecret, refreshSecret, cfg.JWTIssuer, cfg.AccessTTL(), cfg.RefreshTTL())
	sessions := sessionservice.New(sessionrepo.NewPostgresRepository(pool), users, tokens, sessionCache, sessionservice.Options{
		SessionTTL: cfg.SessionLifetime(),
		ViewTTL:    cfg.ViewTTL(),
		Logger:     log,
		Metrics:    m,
		Events:     otelsetup.NewEventEmitter(providers.LoggerProvider),
	})
	auth := identityservice.NewAuthService(users, sessions, security.NewHasher(cfg.BcryptCost), log)

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(server.Deps{
		Auth:        auth,
		Sessions:    sessions,
		Users:       users,
		DB:          pool,
		Cache:       sessionCache,
		Metrics:     m,
		Logger:      log,
		CORSOrigins: cfg.CORSOriginsList(),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}

	// Let in-flight async telemetry emits finish before the exporters close.
	time.Sleep(telemetry.ShutdownDrainDuration)
	otelCtx, otelCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer otelCancel()
	if err := providers.Shutdown(otelCtx); err != nil {
		log.WithError(err).Warn("otel shutdown")
	}
	log.Info("HTTP server stopped")
}

// newCache connects the session cache. Without REDIS_ADDR, or when Redis is down at boot, the
// service runs store-only and the monitor keeps probing.
func newCache(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log logrus.FieldLogger) *cache.Cache {
	if !cfg.CacheEnabled() {
		log.Warn("REDIS_ADDR not set; session cache disabled")
		m.SetCacheAvailable(false)
		return cache.NewDisabled()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	c := cache.New(rdb, log)
	c.OnAvailabilityChange(m.SetCacheAvailable)
	err := retry.Do(
		func() error {
			if !c.IsReallyAvailable(ctx) {
				return errCacheUnreachable
			}
			return nil
		},
		retry.Attempts(cacheProbeAttempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
	)
	if err != nil {
		log.Warn("session cache unreachable at startup; falling back to database")
	} else {
		log.Info("session cache connected")
	}
	m.SetCacheAvailable(c.IsAvailable())
	go c.Monitor(ctx, cfg.CacheMonitorEvery())
	return c
}

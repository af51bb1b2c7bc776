// seed inserts development users for local testing. Run via go run ./cmd/seed.
// Idempotent: users that already exist are skipped.
package main

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"device-sessions/backend/internal/config"
	"device-sessions/backend/internal/db"
	identityservice "device-sessions/backend/internal/identity/service"
	"device-sessions/backend/internal/logger"
	"device-sessions/backend/internal/security"
	userrepo "device-sessions/backend/internal/user/repository"
)

const devPassword = "password123"

var devUsers = []struct{ name, email string }{
	{"Dev User", "dev@example.com"},
	{"Member User", "member@example.com"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if cfg.Env == "production" {
		log.Fatal("seed: refusing to run with APP_ENV=production")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{Attempts: cfg.DBConnectAttempts}, log)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	// Register never opens a session, so no session starter is needed.
	auth := identityservice.NewAuthService(userrepo.NewPostgresRepository(pool), nil, security.NewHasher(cfg.BcryptCost), log)
	for _, u := range devUsers {
		created, err := auth.Register(ctx, u.name, u.email, devPassword)
		switch {
		case errors.Is(err, identityservice.ErrEmailAlreadyRegistered):
			log.WithField("email", u.email).Info("seed: user exists, skipping")
		case err != nil:
			log.Fatalf("seed %s: %v", u.email, err)
		default:
			log.WithFields(logrus.Fields{"email": u.email, "user_id": created.ID}).Info("seed: user created")
		}
	}
	log.Infof("seed complete; log in with any seeded email and password %q", devPassword)
}

// Package server assembles the HTTP router from the per-domain handlers.
package server

import (
	"time"

	healthhandler "device-sessions/backend/internal/health/handler"
	identityhandler "device-sessions/backend/internal/identity/handler"
	"device-sessions/backend/internal/metrics"
	"device-sessions/backend/internal/server/middleware"
	sessionhandler "device-sessions/backend/internal/session/handler"
	userhandler "device-sessions/backend/internal/user/handler"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SessionService is what the session routes and the auth middleware need.
type SessionService interface {
	sessionhandler.SessionAPI
	middleware.Authenticator
}

// Deps holds the services behind the routes.
//
// Route → handler mapping:
//   - /auth/register, /auth/login                          → internal/identity/handler
//   - /auth/refresh-token, /auth/sessions, /auth/logout*   → internal/session/handler
//   - /users/profile                                       → internal/user/handler
//   - /health                                              → internal/health/handler
type Deps struct {
	Auth     identityhandler.AuthAPI
	Sessions SessionService
	Users    userhandler.UserReader
	// DB is pinged by /health (e.g. *pgxpool.Pool). If nil, the database check is skipped.
	DB healthhandler.Pinger
	// Cache is probed by /health. If nil, the cache check is skipped.
	Cache   healthhandler.CacheProbe
	Metrics *metrics.Metrics
	Logger  logrus.FieldLogger
	// CORSOrigins enables CORS for the listed origins. Empty disables the middleware.
	CORSOrigins []string
}

// NewRouter returns a gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log), middleware.Metrics(deps.Metrics))
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     deps.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	identity := identityhandler.NewHandler(deps.Auth, log)
	sessions := sessionhandler.NewHandler(deps.Sessions, log)
	requireAuth := middleware.Auth(deps.Sessions, log)

	auth := r.Group("/auth")
	auth.POST("/register", identity.Register)
	auth.POST("/login", identity.Login)
	auth.POST("/refresh-token", sessions.Refresh)
	auth.GET("/sessions", requireAuth, sessions.Sessions)
	auth.GET("/logout", requireAuth, sessions.Logout)
	auth.GET("/logout-all", requireAuth, sessions.LogoutAll)

	users := r.Group("/users", requireAuth)
	users.GET("/profile", userhandler.NewHandler(deps.Users, log).Profile)

	r.GET("/health", healthhandler.NewHandler(deps.DB, deps.Cache, log).Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	return r
}

// Package handler serves the readiness probe.
package handler

import (
	"context"
	"net/http"
	"time"

	"device-sessions/backend/internal/server/common"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultTimeout = 2 * time.Second

// Pinger checks the durable store (e.g. *pgxpool.Pool).
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheProbe checks the session cache.
type CacheProbe interface {
	IsReallyAvailable(ctx context.Context) bool
}

// Handler reports readiness. The store is required; the cache is optional and its absence
// only degrades the service.
type Handler struct {
	db      Pinger
	cache   CacheProbe
	timeout time.Duration
	log     logrus.FieldLogger
}

// NewHandler returns a Handler. A nil db or cache skips that check.
func NewHandler(db Pinger, cache CacheProbe, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{db: db, cache: cache, timeout: defaultTimeout, log: log}
}

type healthResp struct {
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

// Health answers 200 when the store is reachable (cache down reports DEGRADED) and 503 otherwise.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	resp := healthResp{Database: "skipped", Cache: "skipped"}
	dbUp := true
	if h.db != nil {
		resp.Database = "up"
		if err := h.db.Ping(ctx); err != nil {
			h.log.WithError(err).Warn("health: database ping failed")
			resp.Database = "down"
			dbUp = false
		}
	}
	cacheUp := true
	if h.cache != nil {
		resp.Cache = "up"
		if !h.cache.IsReallyAvailable(ctx) {
			resp.Cache = "down"
			cacheUp = false
		}
	}

	switch {
	case !dbUp:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, common.Resp{Code: "UNHEALTHY", Message: "Database unavailable", Data: resp})
	case !cacheUp:
		common.SuccessResp(c, http.StatusOK, "DEGRADED", "Cache unavailable, serving from database", resp)
	default:
		common.SuccessResp(c, http.StatusOK, "OK", "Healthy", resp)
	}
}

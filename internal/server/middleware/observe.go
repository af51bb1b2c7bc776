package middleware

import (
	"time"

	"device-sessions/backend/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const unmatchedRoute = "unmatched"

// Metrics records request count and latency per route template. A nil m records nothing.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		m.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// RequestLogger logs one line per request. Server errors log at error level, client errors at warn.
func RequestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  status,
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
		})
		if p, ok := Principal(c); ok {
			entry = entry.WithFields(logrus.Fields{"user_id": p.UserID, "session_id": p.SessionID})
		}
		switch {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Warn("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}

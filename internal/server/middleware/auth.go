// Package middleware holds the gin middleware shared by every route group.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"device-sessions/backend/internal/server/common"
	"device-sessions/backend/internal/session/domain"
	sessionservice "device-sessions/backend/internal/session/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const bearerPrefix = "bearer "

// Authenticator resolves an access token to the caller.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*domain.Principal, error)
}

// Auth returns middleware that requires a valid Bearer access token bound to a live session.
// Any failure is answered with 401; infrastructure failures are additionally logged.
func Auth(a Authenticator, log logrus.FieldLogger) gin.HandlerFunc {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			common.ErrorResp(c, http.StatusUnauthorized, "UNAUTHORIZED", "No token provided")
			return
		}
		p, err := a.Authenticate(c.Request.Context(), token)
		if err != nil {
			if !sessionservice.IsAuthError(err) {
				log.WithError(err).WithField("path", c.FullPath()).Error("authentication could not be completed")
			}
			common.ErrorResp(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired session")
			return
		}
		c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

// ExtractBearer returns the token from an Authorization header value, or "" if missing or malformed.
func ExtractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

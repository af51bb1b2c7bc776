// Package handler exposes refresh, session listing and logout over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"device-sessions/backend/internal/server/common"
	"device-sessions/backend/internal/server/middleware"
	"device-sessions/backend/internal/session/domain"
	"device-sessions/backend/internal/session/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SessionAPI is the subset of the session service used by the handler.
type SessionAPI interface {
	Refresh(ctx context.Context, refreshToken string) (*service.TokenPair, error)
	Logout(ctx context.Context, sessionID string) error
	LogoutAllDevices(ctx context.Context, userID string) error
	ListActiveSessions(ctx context.Context, userID string) ([]domain.View, error)
}

// Handler serves the /auth session routes. Every route except Refresh runs behind middleware.Auth.
type Handler struct {
	sessions SessionAPI
	log      logrus.FieldLogger
}

// NewHandler returns a Handler backed by sessions.
func NewHandler(sessions SessionAPI, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{sessions: sessions, log: log}
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenPairResp struct {
	AccessToken           string    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

type sessionResp struct {
	SessionID  string    `json:"sessionId"`
	DeviceID   string    `json:"deviceId"`
	UserAgent  string    `json:"userAgent"`
	IP         string    `json:"ip"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	ExpiredAt  time.Time `json:"expiredAt"`
	Current    bool      `json:"current"`
}

// Refresh redeems a refresh token for a new pair.
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshReq
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		common.ErrorResp(c, http.StatusBadRequest, "VALIDATION_ERROR", "Refresh token is required")
		return
	}
	pair, err := h.sessions.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if service.IsAuthError(err) {
			common.ErrorResp(c, http.StatusUnauthorized, "REFRESH_ERROR", "Failed to refresh token")
			return
		}
		h.log.WithError(err).Error("refresh failed")
		common.ErrorResp(c, http.StatusInternalServerError, "REFRESH_ERROR", "Error refreshing token")
		return
	}
	common.SuccessResp(c, http.StatusOK, "REFRESH_SUCCESS", "Token refreshed successfully", tokenPairResp{
		AccessToken:           pair.AccessToken,
		AccessTokenExpiresAt:  pair.AccessExpiresAt,
		RefreshToken:          pair.RefreshToken,
		RefreshTokenExpiresAt: pair.RefreshExpiresAt,
	})
}

// Sessions lists the caller's active sessions, most recently used first.
func (h *Handler) Sessions(c *gin.Context) {
	p, ok := middleware.Principal(c)
	if !ok {
		common.ErrorResp(c, http.StatusUnauthorized, "UNAUTHORIZED", "User not authenticated")
		return
	}
	views, err := h.sessions.ListActiveSessions(c.Request.Context(), p.UserID)
	if err != nil {
		if service.IsAuthError(err) {
			common.ErrorResp(c, http.StatusUnauthorized, "UNAUTHORIZED", "User not authenticated")
			return
		}
		h.log.WithError(err).WithField("user_id", p.UserID).Error("list sessions failed")
		common.ErrorResp(c, http.StatusInternalServerError, "SESSIONS_ERROR", "Error fetching sessions")
		return
	}
	out := make([]sessionResp, len(views))
	for i, v := range views {
		out[i] = sessionResp{
			SessionID:  v.SessionID,
			DeviceID:   v.DeviceID,
			UserAgent:  v.UserAgent,
			IP:         v.IP,
			CreatedAt:  v.CreatedAt,
			LastUsedAt: v.LastUsedAt,
			ExpiredAt:  v.ExpiredAt,
			Current:    v.SessionID == p.SessionID,
		}
	}
	common.SuccessResp(c, http.StatusOK, "SUCCESS", "Sessions retrieved successfully", gin.H{"sessions": out})
}

// Logout ends the caller's current session.
func (h *Handler) Logout(c *gin.Context) {
	p, ok := middleware.Principal(c)
	if !ok {
		common.ErrorResp(c, http.StatusUnauthorized, "UNAUTHORIZED", "No active session found")
		return
	}
	if err := h.sessions.Logout(c.Request.Context(), p.SessionID); err != nil {
		h.log.WithError(err).WithField("session_id", p.SessionID).Error("logout failed")
		common.ErrorResp(c, http.StatusInternalServerError, "LOGOUT_ERROR", "Error during logout")
		return
	}
	common.SuccessResp(c, http.StatusOK, "LOGOUT_SUCCESS", "Logout successful")
}

// LogoutAll ends every session of the caller, including the current one.
func (h *Handler) LogoutAll(c *gin.Context) {
	p, ok := middleware.Principal(c)
	if !ok {
		common.ErrorResp(c, http.StatusUnauthorized, "UNAUTHORIZED", "User not authenticated")
		return
	}
	if err := h.sessions.LogoutAllDevices(c.Request.Context(), p.UserID); err != nil {
		h.log.WithError(err).WithField("user_id", p.UserID).Error("logout all failed")
		common.ErrorResp(c, http.StatusInternalServerError, "LOGOUT_ALL_ERROR", "Error logging out from all devices")
		return
	}
	common.SuccessResp(c, http.StatusOK, "LOGOUT_ALL_SUCCESS", "Logged out from all devices successfully")
}

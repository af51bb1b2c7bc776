// Package handler exposes the caller's profile over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"device-sessions/backend/internal/server/common"
	"device-sessions/backend/internal/server/middleware"
	"device-sessions/backend/internal/user/domain"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// UserReader loads users by id.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// Handler serves /users routes.
type Handler struct {
	users UserReader
	log   logrus.FieldLogger
}

// NewHandler returns a Handler backed by users.
func NewHandler(users UserReader, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{users: users, log: log}
}

type profileResp struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Profile returns the authenticated user's profile.
func (h *Handler) Profile(c *gin.Context) {
	p, ok := middleware.Principal(c)
	if !ok {
		common.ErrorResp(c, http.StatusUnauthorized, "UNAUTHORIZED", "User not authenticated")
		return
	}
	u, err := h.users.GetByID(c.Request.Context(), p.UserID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", p.UserID).Error("load profile failed")
		common.ErrorResp(c, http.StatusInternalServerError, "PROFILE_ERROR", "Error fetching profile")
		return
	}
	if u == nil {
		common.ErrorResp(c, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
		return
	}
	common.SuccessResp(c, http.StatusOK, "SUCCESS", "Profile retrieved successfully", gin.H{
		"user": profileResp{ID: u.ID, Name: u.Name, Email: u.Email, CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt},
	})
}

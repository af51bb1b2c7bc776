// Package handler exposes registration and password login over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"device-sessions/backend/internal/identity/service"
	"device-sessions/backend/internal/server/common"
	sessiondomain "device-sessions/backend/internal/session/domain"
	sessionservice "device-sessions/backend/internal/session/service"
	userdomain "device-sessions/backend/internal/user/domain"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuthAPI is the subset of the auth service used by the handler.
type AuthAPI interface {
	Register(ctx context.Context, name, email, password string) (*userdomain.User, error)
	LoginWithPassword(ctx context.Context, email, password string, in sessionservice.LoginInput) (*sessionservice.LoginResult, error)
}

// Handler serves /auth/register and /auth/login.
type Handler struct {
	auth AuthAPI
	log  logrus.FieldLogger
}

// NewHandler returns a Handler backed by auth.
func NewHandler(auth AuthAPI, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{auth: auth, log: log}
}

type registerReq struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	DeviceID string `json:"deviceId"`
}

type userResp struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type loginResp struct {
	AccessToken           string                    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time                 `json:"accessTokenExpiresAt"`
	RefreshToken          string                    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time                 `json:"refreshTokenExpiresAt"`
	User                  sessiondomain.UserSummary `json:"user"`
	Session               sessiondomain.View        `json:"session"`
}

// Register creates an account. It does not log the user in.
func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResp(c, http.StatusBadRequest, "VALIDATION_ERROR", "name, email and password are required")
		return
	}
	u, err := h.auth.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrEmailAlreadyRegistered):
		common.ErrorResp(c, http.StatusBadRequest, "USER_EXISTS", "User with this email already exists")
		return
	case errors.Is(err, service.ErrInvalidInput):
		common.ErrorResp(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	default:
		h.log.WithError(err).Error("register failed")
		common.ErrorResp(c, http.StatusInternalServerError, "REGISTER_ERROR", "Error registering user")
		return
	}
	common.SuccessResp(c, http.StatusCreated, "REGISTER_SUCCESS", "User registered successfully", gin.H{
		"user": userResp{ID: u.ID, Name: u.Name, Email: u.Email, CreatedAt: u.CreatedAt},
	})
}

// Login verifies credentials and opens a session for the calling device.
func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResp(c, http.StatusBadRequest, "VALIDATION_ERROR", "email and password are required")
		return
	}
	userAgent := c.Request.UserAgent()
	if userAgent == "" {
		userAgent = "unknown"
	}
	res, err := h.auth.LoginWithPassword(c.Request.Context(), req.Email, req.Password, sessionservice.LoginInput{
		UserAgent: userAgent,
		IP:        c.ClientIP(),
		DeviceID:  req.DeviceID,
	})
	switch {
	case err == nil:
	case errors.Is(err, service.ErrInvalidCredentials):
		common.ErrorResp(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
		return
	default:
		h.log.WithError(err).Error("login failed")
		common.ErrorResp(c, http.StatusInternalServerError, "LOGIN_ERROR", "Error during login")
		return
	}
	common.SuccessResp(c, http.StatusOK, "LOGIN_SUCCESS", "Login successful", loginResp{
		AccessToken:           res.AccessToken,
		AccessTokenExpiresAt:  res.AccessExpiresAt,
		RefreshToken:          res.RefreshToken,
		RefreshTokenExpiresAt: res.RefreshExpiresAt,
		User:                  res.User,
		Session:               res.Session,
	})
}

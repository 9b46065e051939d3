package api

import (
	"errors"
	"net/http"

	"avm/server/internal/auth"
	"avm/server/internal/store"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

var loginErrorMappings = []errorMapping{
	{auth.ErrForbidden, http.StatusForbidden, "ACCOUNT_DISABLED", "Operator account is disabled", false},
}

var refreshErrorMappings = []errorMapping{
	{auth.ErrTokenExpired, http.StatusUnauthorized, "TOKEN_EXPIRED", "Refresh token expired", false},
}

var unauthorized = errorMapping{status: http.StatusUnauthorized, code: "UNAUTHORIZED", message: "Unauthorized"}

// bindJSON decodes a JSON body into dst and writes a 4xx response on failure.
func bindJSON(c *gin.Context, dst any, message string) bool {
	if !requireJSON(c) {
		return false
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", message, false, nil)
		return false
	}
	return true
}

func tokenPayload(tokens auth.Tokens) gin.H {
	return gin.H{
		"access_token":   tokens.AccessToken,
		"refresh_token":  tokens.RefreshToken,
		"expires_in_sec": tokens.ExpiresInSec,
	}
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req, "Invalid login payload") {
		return
	}
	user, tokens, err := s.auth.Login(req.Email, req.Password)
	if err != nil {
		s.log.Warn("operator_login_failed", "trace_id", traceIDFromContext(c), "email", req.Email, "error", err)
		writeMappedError(c, err, loginErrorMappings, errorMapping{
			status: http.StatusUnauthorized, code: "INVALID_CREDENTIALS", message: "Invalid email or password",
		}, nil)
		return
	}
	payload := tokenPayload(tokens)
	payload["user"] = gin.H{"id": user.ID, "email": user.Email, "role": user.Role}
	writeData(c, http.StatusOK, payload)
}

func (s *Server) refresh(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req, "refresh_token is required") {
		return
	}
	tokens, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		writeMappedError(c, err, refreshErrorMappings, unauthorized, nil)
		return
	}
	writeData(c, http.StatusOK, tokenPayload(tokens))
}

func (s *Server) logout(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req, "refresh_token is required") {
		return
	}
	if err := s.auth.Logout(req.RefreshToken); err != nil {
		writeUnauthorized(c)
		return
	}
	writeData(c, http.StatusOK, gin.H{"ok": true})
}

// me describes the operator behind the access token.
func (s *Server) me(c *gin.Context) {
	user, err := s.store.GetUserByID(userIDFromContext(c))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeUnauthorized(c)
	case err != nil:
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load operator", false, nil)
	default:
		writeData(c, http.StatusOK, gin.H{
			"id":     user.ID,
			"email":  user.Email,
			"role":   user.Role,
			"status": user.Status,
		})
	}
}

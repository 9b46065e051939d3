package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"avm/server/internal/auth"
	"avm/server/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxTraceID = "trace_id"
	ctxUserID  = "user_id"
	ctxEmail   = "email"
	ctxRole    = "role"
)

func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := strings.TrimSpace(c.GetHeader("X-Trace-Id"))
		if traceID == "" {
			if v7, err := uuid.NewV7(); err == nil {
				traceID = v7.String()
			} else {
				traceID = uuid.NewString()
			}
		}
		c.Set(ctxTraceID, traceID)
		c.Writer.Header().Set("X-Trace-Id", traceID)
		c.Next()
	}
}

// RequestLogMiddleware logs one line per request, tagged with the run or
// batch it addressed and the operator who sent it.
func RequestLogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		attrs := []any{
			"trace_id", traceIDFromContext(c),
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		for _, p := range []string{"run_id", "batch_id"} {
			if v := c.Param(p); v != "" {
				attrs = append(attrs, p, v)
			}
		}
		if uid := userIDFromContext(c); uid != "" {
			attrs = append(attrs, "user_id", uid)
		}
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http_request", attrs...)
	}
}

// AuthMiddleware accepts bearer access tokens whose role may act as role.
func AuthMiddleware(authSvc *auth.Service, role model.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			writeUnauthorized(c)
			c.Abort()
			return
		}
		claims, err := authSvc.ParseAccess(strings.TrimSpace(token))
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			writeError(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "Access token expired", false, nil)
		case err != nil:
			writeUnauthorized(c)
		case !claims.Allows(role):
			writeError(c, http.StatusForbidden, "FORBIDDEN", "Role may not operate pipelines", false, map[string]any{"role": claims.Role})
		default:
			c.Set(ctxUserID, claims.UserID)
			c.Set(ctxEmail, claims.Email)
			c.Set(ctxRole, string(claims.Role))
			c.Next()
			return
		}
		c.Abort()
	}
}

func traceIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(ctxTraceID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func userIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(ctxUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func requireJSON(c *gin.Context) bool {
	if c.ContentType() == "" {
		return true
	}
	if strings.Contains(c.ContentType(), "application/json") {
		return true
	}
	writeError(c, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Content-Type must be application/json", false, nil)
	return false
}

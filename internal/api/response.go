package api

import (
	"errors"
	"net/http"

	"avm/server/internal/job"
	"avm/server/internal/model"
	"avm/server/internal/store"

	"github.com/gin-gonic/gin"
)

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// errorMapping is the response written for service errors matching target.
type errorMapping struct {
	target    error
	status    int
	code      string
	message   string
	retryable bool
}

var runErrorMappings = []errorMapping{
	{store.ErrNotFound, http.StatusNotFound, "RUN_NOT_FOUND", "Run not found", false},
	{store.ErrForbidden, http.StatusForbidden, "FORBIDDEN", "No access to run", false},
	{job.ErrInvalidRunState, http.StatusConflict, "INVALID_RUN_STATE", "Run is not in a state that allows this", false},
	{job.ErrTooManyRunningRuns, http.StatusTooManyRequests, "USER_RUN_LIMIT", "Too many running runs", true},
}

var batchErrorMappings = []errorMapping{
	{store.ErrNotFound, http.StatusNotFound, "BATCH_NOT_FOUND", "Batch not found", false},
	{store.ErrForbidden, http.StatusForbidden, "FORBIDDEN", "No access to batch", false},
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"data":     data,
		"trace_id": traceIDFromContext(c),
	})
}

func writeError(c *gin.Context, status int, code, message string, retryable bool, details map[string]any) {
	c.JSON(status, gin.H{
		"error": APIError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
		"trace_id": traceIDFromContext(c),
	})
}

func writeUnauthorized(c *gin.Context) {
	writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", false, nil)
}

// writeRunError reports a failed operation on one run. The run id is echoed
// in the details so clients polling several runs can tell them apart.
func writeRunError(c *gin.Context, runID string, err error, fallback errorMapping) {
	writeMappedError(c, err, runErrorMappings, fallback, map[string]any{"run_id": runID})
}

func writeBatchError(c *gin.Context, batchID string, err error, fallback errorMapping) {
	writeMappedError(c, err, batchErrorMappings, fallback, map[string]any{"batch_id": batchID})
}

func writeMappedError(c *gin.Context, err error, mappings []errorMapping, fallback errorMapping, details map[string]any) {
	m := fallback
	for _, candidate := range mappings {
		if errors.Is(err, candidate.target) {
			m = candidate
			break
		}
	}
	writeError(c, m.status, m.code, m.message, m.retryable, details)
}

func writeConfigError(c *gin.Context, err error) {
	details := map[string]any{}
	var cfgErr *model.ConfigError
	if errors.As(err, &cfgErr) {
		details["field"] = cfgErr.Field
		details["reason"] = cfgErr.Reason
	}
	writeError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error(), false, details)
}

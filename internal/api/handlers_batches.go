package api

import (
	"errors"
	"net/http"

	"avm/server/internal/job"
	"avm/server/internal/model"
	"avm/server/internal/store"

	"github.com/gin-gonic/gin"
)

type batchRequest struct {
	Runs []runRequest `json:"runs" binding:"required,min=1,dive"`
}

func (s *Server) startBatch(c *gin.Context) {
	var req batchRequest
	if !bindJSON(c, &req, "runs must be a non-empty list of run requests") {
		return
	}
	reqs := make([]job.RunRequest, len(req.Runs))
	for i, r := range req.Runs {
		reqs[i] = r.toJob()
	}
	b, err := s.jobs.StartBatch(c.Request.Context(), userIDFromContext(c), traceIDFromContext(c), reqs)
	if err != nil {
		if errors.Is(err, model.ErrConfig) {
			writeConfigError(c, err)
			return
		}
		s.log.Error("start_batch_failed", "trace_id", traceIDFromContext(c), "error", err)
		writeError(c, http.StatusInternalServerError, "START_BATCH_FAILED", "Failed to start batch", true, nil)
		return
	}
	writeData(c, http.StatusCreated, b)
}

func (s *Server) getBatch(c *gin.Context) {
	batchID := c.Param("batch_id")
	b, err := s.jobs.GetBatch(batchID)
	if err == nil && b.UserID != userIDFromContext(c) {
		err = store.ErrForbidden
	}
	if err != nil {
		writeBatchError(c, batchID, err, errorMapping{status: http.StatusNotFound, code: "BATCH_NOT_FOUND", message: "Batch not found"})
		return
	}
	completed, failed := 0, 0
	if b.Result != nil {
		completed, failed = b.Result.Counts()
	}
	writeData(c, http.StatusOK, gin.H{
		"batch":     b,
		"completed": completed,
		"failed":    failed,
	})
}

func (s *Server) cancelBatch(c *gin.Context) {
	b, err := s.jobs.CancelBatch(userIDFromContext(c), c.Param("batch_id"))
	if err != nil {
		writeBatchError(c, c.Param("batch_id"), err, errorMapping{
			status: http.StatusInternalServerError, code: "CANCEL_FAILED", message: "Failed to cancel batch",
		})
		return
	}
	writeData(c, http.StatusOK, b)
}

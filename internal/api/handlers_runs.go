package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"avm/server/internal/job"
	"avm/server/internal/model"
	"avm/server/internal/store"

	"github.com/gin-gonic/gin"
)

type runRequest struct {
	Keywords             []string `json:"keywords" binding:"required,min=1"`
	TargetProduct        string   `json:"target_product"`
	VideoDurationSeconds int      `json:"video_duration_seconds" binding:"required"`
}

func (r runRequest) toJob() job.RunRequest {
	return job.RunRequest{
		Keywords:             r.Keywords,
		TargetProduct:        r.TargetProduct,
		VideoDurationSeconds: r.VideoDurationSeconds,
	}
}

func (s *Server) startRun(c *gin.Context) {
	var req runRequest
	if !bindJSON(c, &req, "keywords and video_duration_seconds are required") {
		return
	}
	userID := userIDFromContext(c)
	idempotencyKey := c.GetHeader("Idempotency-Key")
	rec, err := s.jobs.StartRun(c.Request.Context(), userID, traceIDFromContext(c), idempotencyKey, req.toJob())
	if err != nil {
		switch {
		case errors.Is(err, model.ErrConfig):
			writeConfigError(c, err)
		case errors.Is(err, job.ErrTooManyRunningRuns):
			writeError(c, http.StatusTooManyRequests, "USER_RUN_LIMIT", "Too many running runs", true, nil)
		default:
			s.log.Error("start_run_failed", "trace_id", traceIDFromContext(c), "error", err)
			writeError(c, http.StatusInternalServerError, "START_RUN_FAILED", "Failed to start run", true, nil)
		}
		return
	}
	writeData(c, http.StatusCreated, rec)
}

func (s *Server) listRuns(c *gin.Context) {
	page := parseIntDefault(c.Query("page"), 1)
	pageSize := parseIntDefault(c.Query("page_size"), 20)
	items, total := s.jobs.ListRuns(userIDFromContext(c), page, pageSize)
	writeData(c, http.StatusOK, gin.H{
		"items":     items,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
	})
}

// ownedRun loads the run named in the path and writes the error response
// when it is missing or belongs to someone else.
func (s *Server) ownedRun(c *gin.Context) (model.RunRecord, bool) {
	runID := c.Param("run_id")
	rec, err := s.jobs.GetRun(runID)
	if err == nil && rec.UserID != userIDFromContext(c) {
		err = store.ErrForbidden
	}
	if err != nil {
		writeRunError(c, runID, err, errorMapping{status: http.StatusNotFound, code: "RUN_NOT_FOUND", message: "Run not found"})
		return model.RunRecord{}, false
	}
	return rec, true
}

func (s *Server) getRun(c *gin.Context) {
	rec, ok := s.ownedRun(c)
	if !ok {
		return
	}
	writeData(c, http.StatusOK, rec)
}

func (s *Server) cancelRun(c *gin.Context) {
	rec, err := s.jobs.CancelRun(userIDFromContext(c), c.Param("run_id"))
	if err != nil {
		writeRunError(c, c.Param("run_id"), err, errorMapping{
			status: http.StatusInternalServerError, code: "CANCEL_FAILED", message: "Failed to cancel run", retryable: true,
		})
		return
	}
	writeData(c, http.StatusOK, rec)
}

func (s *Server) resumeRun(c *gin.Context) {
	rec, err := s.jobs.ResumeRun(c.Request.Context(), userIDFromContext(c), c.Param("run_id"), traceIDFromContext(c))
	if err != nil {
		writeRunError(c, c.Param("run_id"), err, errorMapping{
			status: http.StatusInternalServerError, code: "RESUME_FAILED", message: "Failed to resume run", retryable: true,
		})
		return
	}
	writeData(c, http.StatusAccepted, rec)
}

func (s *Server) streamRunEvents(c *gin.Context) {
	rec, ok := s.ownedRun(c)
	if !ok {
		return
	}

	fromSeq := parseLastEventSeq(c.GetHeader("Last-Event-ID"))
	if q := c.Query("from_seq"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			fromSeq = v
		}
	}

	// Subscribe before reading the backlog so nothing published in between
	// is lost; duplicates are dropped by seq below.
	_, sub, unsubscribe := s.hub.Subscribe(rec.ID, 128)
	defer unsubscribe()
	backlog, _ := s.jobs.ListEventsFrom(rec.ID, fromSeq)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "SSE_UNSUPPORTED", "Streaming unsupported", false, nil)
		return
	}

	lastSeq := fromSeq
	for _, evt := range backlog {
		writeSSE(c, evt)
		lastSeq = evt.Seq
	}
	flusher.Flush()
	if isFinalEvent(backlog) {
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			lastSeq = evt.Seq
			writeSSE(c, evt)
			flusher.Flush()
			if isFinalEvent([]model.RunEvent{evt}) {
				return
			}
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

// isFinalEvent reports whether the last event closes the run's stream.
func isFinalEvent(evts []model.RunEvent) bool {
	if len(evts) == 0 {
		return false
	}
	switch evts[len(evts)-1].Type {
	case model.EventRunCompleted, model.EventRunFailed:
		return true
	case model.EventRunCanceled:
		return evts[len(evts)-1].Payload["cancel_requested"] == nil
	}
	return false
}

func writeSSE(c *gin.Context, evt model.RunEvent) {
	payload, _ := json.Marshal(evt)
	fmt.Fprintf(c.Writer, "id: %d\n", evt.Seq)
	fmt.Fprintf(c.Writer, "event: %s\n", evt.Type)
	fmt.Fprintf(c.Writer, "data: %s\n\n", string(payload))
}

func parseLastEventSeq(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

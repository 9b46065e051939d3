package api

import (
	"fmt"
	"net/http"

	"avm/server/internal/runstore"

	"github.com/gin-gonic/gin"
)

// runStatus audits the run directory on disk rather than the in-memory
// record, so it also reflects artifacts written by earlier processes.
func (s *Server) runStatus(c *gin.Context) {
	rec, ok := s.ownedRun(c)
	if !ok {
		return
	}
	status, err := runstore.Scan(rec.Run.Config.OutputLocation())
	if err != nil {
		s.log.Warn("run_status_scan_failed", "run_id", rec.ID, "error", err)
		writeError(c, http.StatusInternalServerError, "STATUS_SCAN_FAILED", "Failed to read run directory", true, nil)
		return
	}
	writeData(c, http.StatusOK, status)
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	var n int
	_, err := fmt.Sscanf(raw, "%d", &n)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

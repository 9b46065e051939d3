package api

import (
	"net/http"

	"avm/server/internal/model"
	"avm/server/internal/pipeline"

	"github.com/gin-gonic/gin"
)

func (s *Server) pipelineInfo(c *gin.Context) {
	writeData(c, http.StatusOK, gin.H{
		"stages":       model.StageOrder,
		"dependencies": pipeline.Dependencies(),
		"sse": gin.H{
			"heartbeat_sec": 15,
			"retry_ms":      2000,
		},
	})
}

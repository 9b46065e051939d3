package api

import (
	"log/slog"

	"avm/server/internal/auth"
	"avm/server/internal/events"
	"avm/server/internal/job"
	"avm/server/internal/model"
	"avm/server/internal/store"

	"github.com/gin-gonic/gin"
)

type Server struct {
	auth  *auth.Service
	store *store.MemoryStore
	jobs  *job.Service
	hub   *events.Hub
	log   *slog.Logger
}

func NewServer(authSvc *auth.Service, st *store.MemoryStore, jobs *job.Service, hub *events.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:  authSvc,
		store: st,
		jobs:  jobs,
		hub:   hub,
		log:   logger,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(s.log))

	v1 := r.Group("/api/v1")
	v1.GET("/healthz", func(c *gin.Context) {
		writeData(c, 200, gin.H{"status": "ok"})
	})

	v1.POST("/auth/login", s.login)
	v1.POST("/auth/refresh", s.refresh)

	authed := v1.Group("")
	authed.Use(AuthMiddleware(s.auth, model.RoleOperator))
	{
		authed.GET("/pipeline", s.pipelineInfo)
		authed.POST("/auth/logout", s.logout)
		authed.GET("/me", s.me)

		authed.POST("/runs", s.startRun)
		authed.GET("/runs", s.listRuns)
		authed.GET("/runs/:run_id", s.getRun)
		authed.POST("/runs/:run_id/cancel", s.cancelRun)
		authed.POST("/runs/:run_id/resume", s.resumeRun)
		authed.GET("/runs/:run_id/events", s.streamRunEvents)
		authed.GET("/runs/:run_id/status", s.runStatus)

		authed.POST("/batches", s.startBatch)
		authed.GET("/batches/:batch_id", s.getBatch)
		authed.POST("/batches/:batch_id/cancel", s.cancelBatch)
	}

	return r
}

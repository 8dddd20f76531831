// Package api exposes the service over HTTP: a JSON REST surface for intake
// and queries, a WebSocket bridge onto the dispatch fabric, and the health
// and metrics endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentwatch/ares/pkg/core"
	"github.com/agentwatch/ares/pkg/database"
	"github.com/agentwatch/ares/pkg/store"
)

const healthCheckTimeout = 5 * time.Second

// Server wires the core into gin handlers.
type Server struct {
	core        *core.Core
	db          *database.Client // nil when running on in-memory stores
	connManager *ConnectionManager
	registry    *prometheus.Registry // nil disables /metrics
}

// NewServer creates the API server. db and registry may be nil.
func NewServer(c *core.Core, db *database.Client, registry *prometheus.Registry) *Server {
	return &Server{
		core:        c,
		db:          db,
		connManager: NewConnectionManager(c, 10*time.Second),
		registry:    registry,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.Health)
	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	router.GET("/ws", s.HandleWS)

	api := router.Group("/api")
	{
		api.POST("/agents", s.RegisterAgent)
		api.GET("/agents/:id", s.GetAgent)
		api.GET("/agents/:id/reliability", s.GetReliability)
		api.GET("/agents/:id/enforcement", s.ListEnforcement)

		api.POST("/tasks", s.CreateTask)
		api.GET("/tasks/:id", s.GetTask)
		api.GET("/tasks/:id/verdict", s.GetVerdict)
		api.POST("/tasks/:id/tool-calls", s.RecordToolCall)
		api.POST("/tasks/:id/artifacts", s.AppendArtifact)
		api.POST("/tasks/:id/snapshot", s.CaptureSnapshot)
		api.POST("/tasks/:id/complete", s.CompleteTask)
		api.POST("/tasks/:id/cancel", s.CancelTask)
	}
	return router
}

// Health reports service liveness, fabric counters, and database health when
// a database is configured.
func (s *Server) Health(c *gin.Context) {
	fabric := s.core.Fabric()
	body := gin.H{
		"status": "healthy",
		"fabric": gin.H{
			"subscribers": fabric.SubscriberCount(),
			"published":   fabric.Published(),
			"dropped":     fabric.Dropped(),
		},
		"websocket_connections": s.connManager.ActiveConnections(),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		dbHealth, err := s.db.Health(ctx)
		body["database"] = dbHealth
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

// respondError maps domain errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case store.IsValidationError(err):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrIllegalState):
		status = http.StatusConflict
	case errors.Is(err, store.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, core.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

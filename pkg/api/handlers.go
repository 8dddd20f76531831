package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentwatch/ares/pkg/models"
	"github.com/agentwatch/ares/pkg/store"
)

// RegisterAgent handles POST /api/agents.
func (s *Server) RegisterAgent(c *gin.Context) {
	var req models.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent, err := s.core.RegisterAgent(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// GetAgent handles GET /api/agents/:id.
func (s *Server) GetAgent(c *gin.Context) {
	agent, err := s.core.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// GetReliability handles GET /api/agents/:id/reliability.
func (s *Server) GetReliability(c *gin.Context) {
	state, err := s.core.GetReliability(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ListEnforcement handles GET /api/agents/:id/enforcement. The optional
// "since" query parameter is RFC 3339; omitted means the full log.
func (s *Server) ListEnforcement(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		since = parsed
	}
	actions, err := s.core.ListEnforcement(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

// CreateTask handles POST /api/tasks.
func (s *Server) CreateTask(c *gin.Context) {
	var req models.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.core.CreateTask(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// GetTask handles GET /api/tasks/:id.
func (s *Server) GetTask(c *gin.Context) {
	task, err := s.core.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetVerdict handles GET /api/tasks/:id/verdict.
func (s *Server) GetVerdict(c *gin.Context) {
	verdict, err := s.core.GetVerdict(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

// RecordToolCall handles POST /api/tasks/:id/tool-calls. Replays of the same
// record ID return 200 with already_exists set instead of an error.
func (s *Server) RecordToolCall(c *gin.Context) {
	var rec models.ToolCallRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stored, alreadyExists, err := s.core.RecordToolCall(c.Request.Context(), c.Param("id"), rec)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if alreadyExists {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"tool_call": stored, "already_exists": alreadyExists})
}

// AppendArtifact handles POST /api/tasks/:id/artifacts.
func (s *Server) AppendArtifact(c *gin.Context) {
	var artifact models.Artifact
	if err := c.ShouldBindJSON(&artifact); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stored, alreadyExists, err := s.core.AppendArtifact(c.Request.Context(), c.Param("id"), artifact)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if alreadyExists {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"artifact": stored, "already_exists": alreadyExists})
}

// CaptureSnapshot handles POST /api/tasks/:id/snapshot. A task has exactly
// one snapshot; a second capture reports already_exists.
func (s *Server) CaptureSnapshot(c *gin.Context) {
	var snap models.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.core.CaptureSnapshot(c.Request.Context(), c.Param("id"), snap)
	if errors.Is(err, store.ErrAlreadyExists) {
		c.JSON(http.StatusOK, gin.H{"already_exists": true})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"already_exists": false})
}

// CompleteTask handles POST /api/tasks/:id/complete. Verification runs in
// the background; the verdict arrives on the fabric and via the verdict
// endpoint.
func (s *Server) CompleteTask(c *gin.Context) {
	task, err := s.core.CompleteTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// CancelTaskRequest is the body for POST /api/tasks/:id/cancel.
type CancelTaskRequest struct {
	Reason string `json:"reason"`
}

// CancelTask handles POST /api/tasks/:id/cancel.
func (s *Server) CancelTask(c *gin.Context) {
	var req CancelTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	task, err := s.core.CancelTask(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

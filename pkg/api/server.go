// Package api exposes the HTTP surface: job submission and inspection,
// cancellation, manuscript retrieval, and health.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/pkg/database"
	"github.com/chroniclehq/chronicle/pkg/models"
	"github.com/chroniclehq/chronicle/pkg/queue"
	"github.com/chroniclehq/chronicle/pkg/store"
	"github.com/chroniclehq/chronicle/pkg/version"
)

// Server represents the API server.
type Server struct {
	db          *database.Client
	jobs        *store.JobStore
	manuscripts *store.ManuscriptStore
	pool        *queue.WorkerPool
}

// NewServer creates a new API server.
func NewServer(db *database.Client, jobs *store.JobStore, manuscripts *store.ManuscriptStore, pool *queue.WorkerPool) *Server {
	return &Server{
		db:          db,
		jobs:        jobs,
		manuscripts: manuscripts,
		pool:        pool,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Health)

	jobs := r.Group("/api/jobs")
	{
		jobs.POST("", s.CreateJob)
		jobs.GET("/:id", s.GetJob)
		jobs.POST("/:id/cancel", s.CancelJob)
		jobs.GET("/:id/manuscript", s.GetManuscript)
	}

	return r
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	poolHealth := s.pool.Health()

	status := http.StatusOK
	overall := "healthy"
	if err != nil {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	} else if !poolHealth.IsHealthy {
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":      overall,
		"version":     version.Full(),
		"database":    dbHealth,
		"worker_pool": poolHealth,
	})
}

// CreateJob handles POST /api/jobs.
func (s *Server) CreateJob(c *gin.Context) {
	var req models.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Mode != "" && req.Mode != models.ModePolished && req.Mode != models.ModeDraft {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be polished or draft"})
		return
	}

	job, err := s.jobs.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// GetJob handles GET /api/jobs/:id.
func (s *Server) GetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := s.jobs.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, job)
}

// CancelJob handles POST /api/jobs/:id/cancel. Queued jobs are cancelled in
// the database; running jobs are cancelled through the pool's registry when
// they run on this pod.
func (s *Server) CancelJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	cancelled, err := s.jobs.CancelQueued(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !cancelled {
		cancelled = s.pool.CancelJob(id)
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not cancellable on this pod"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// GetManuscript handles GET /api/jobs/:id/manuscript.
func (s *Server) GetManuscript(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	rec, err := s.manuscripts.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "manuscript not available"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, rec)
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return uuid.Nil, false
	}
	return id, true
}

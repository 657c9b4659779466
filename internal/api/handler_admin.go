package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cleanbox/internal/model"
)

type JobLister interface {
	Jobs(ctx context.Context, status model.JobStatus, limit int) ([]*model.JobRecord, error)
}

type AdminHandler struct {
	jobs   JobLister
	logger *zap.Logger
}

func NewAdminHandler(jobs JobLister, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{jobs: jobs, logger: logger}
}

// GetJobs handles GET /admin/jobs?status=&limit=. Read only.
func (h *AdminHandler) GetJobs(c *gin.Context) {
	status := model.JobStatus(c.Query("status"))
	switch status {
	case "", model.JobWaiting, model.JobActive, model.JobDelayed, model.JobCompleted, model.JobFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown job status"})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..1000"})
			return
		}
		limit = n
	}

	jobs, err := h.jobs.Jobs(c.Request.Context(), status, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if jobs == nil {
		jobs = []*model.JobRecord{}
	}
	c.JSON(http.StatusOK, jobs)
}

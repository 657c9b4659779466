package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cleanbox/internal/model"
	"cleanbox/internal/scanner"
	"cleanbox/internal/taskstore"
	"cleanbox/pkg/logger"
)

const listLimit = 50

type TaskHandler struct {
	accounts activeAccountReader
	tasks    *taskstore.TaskStore
	queue    JobQueue
	logger   *zap.Logger
}

func NewTaskHandler(accounts activeAccountReader, tasks *taskstore.TaskStore, queue JobQueue, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		accounts: accounts,
		tasks:    tasks,
		queue:    queue,
		logger:   logger,
	}
}

// GetTasks handles GET /tasks?status=a,b.
func (h *TaskHandler) GetTasks(c *gin.Context) {
	var statuses []model.TaskStatus
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := model.ParseTaskStatus(strings.TrimSpace(part))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			statuses = append(statuses, st)
		}
	}
	h.list(c, statuses, 0)
}

// GetProcessing handles GET /tasks/processing.
func (h *TaskHandler) GetProcessing(c *gin.Context) {
	h.list(c, []model.TaskStatus{model.StatusQueued, model.StatusProcessing}, listLimit)
}

// GetRecent handles GET /tasks/recent.
func (h *TaskHandler) GetRecent(c *gin.Context) {
	h.list(c, []model.TaskStatus{model.StatusSuccess, model.StatusFailed, model.StatusIgnored}, listLimit)
}

func (h *TaskHandler) list(c *gin.Context, statuses []model.TaskStatus, limit int) {
	acct, ok := optionalAccount(c, h.accounts, h.logger)
	if !ok {
		return
	}
	if acct == nil {
		c.JSON(http.StatusOK, []*model.TaskView{})
		return
	}

	tasks, err := h.tasks.List(c.Request.Context(), model.TaskFilter{
		AccountID: acct.ID,
		Statuses:  statuses,
		Limit:     limit,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if tasks == nil {
		tasks = []*model.TaskView{}
	}
	c.JSON(http.StatusOK, tasks)
}

type approveRequest struct {
	TaskIDs []int64 `json:"taskIds"`
}

type approveDetails struct {
	Approved     []int64 `json:"approved"`
	NotFound     []int64 `json:"notFound"`
	InvalidState []int64 `json:"invalidState"`
	QueueErrors  []int64 `json:"queueErrors"`
	DBErrors     []int64 `json:"dbErrors"`
}

func (d approveDetails) failed() int {
	return len(d.NotFound) + len(d.InvalidState) + len(d.QueueErrors) + len(d.DBErrors)
}

// Approve handles POST /tasks/approve. Each id is approved on its own and
// the response buckets every id by outcome: 200 when all succeed, 207 on a
// partial success, 400 when none does.
func (h *TaskHandler) Approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.TaskIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskIds must be a non-empty array"})
		return
	}
	acct := activeAccount(c, h.accounts, h.logger)
	if acct == nil {
		return
	}

	ctx := c.Request.Context()
	log := logger.WithTrace(ctx, h.logger).With(zap.Int64("account_id", acct.ID))
	res := h.tasks.Approve(ctx, acct.ID, req.TaskIDs)

	details := approveDetails{
		Approved:     []int64{},
		NotFound:     nonNil(res.NotFound),
		InvalidState: nonNil(res.InvalidState),
		QueueErrors:  []int64{},
		DBErrors:     nonNil(res.DBErrors),
	}
	for _, t := range res.Approved {
		if _, _, err := h.queue.Enqueue(ctx, scanner.ExecuteJobFor(t)); err != nil {
			// 任务已是 queued，sweeper 会补发
			log.Warn("Failed to enqueue approved task", zap.Int64("task_id", t.ID), zap.Error(err))
			details.QueueErrors = append(details.QueueErrors, t.ID)
			continue
		}
		details.Approved = append(details.Approved, t.ID)
	}

	status := http.StatusOK
	if details.failed() > 0 {
		status = http.StatusMultiStatus
		if len(details.Approved) == 0 {
			status = http.StatusBadRequest
		}
	}
	log.Info("Tasks approved",
		zap.Int("requested", len(req.TaskIDs)),
		zap.Int("approved", len(details.Approved)),
		zap.Int("failed", details.failed()),
	)
	c.JSON(status, gin.H{
		"message": fmt.Sprintf("Processed %d task approval(s). Approved & Queued: %d, Failed: %d.",
			len(req.TaskIDs), len(details.Approved), details.failed()),
		"details": details,
	})
}

// Ignore handles POST /tasks/:id/ignore.
func (h *TaskHandler) Ignore(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	acct := activeAccount(c, h.accounts, h.logger)
	if acct == nil {
		return
	}

	t, err := h.tasks.Ignore(c.Request.Context(), acct.ID, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// GetStats handles GET /stats.
func (h *TaskHandler) GetStats(c *gin.Context) {
	acct, ok := optionalAccount(c, h.accounts, h.logger)
	if !ok {
		return
	}
	if acct == nil {
		c.JSON(http.StatusOK, model.TaskStats{})
		return
	}

	stats, err := h.tasks.Stats(c.Request.Context(), acct.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

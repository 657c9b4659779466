package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cleanbox/contracts/mq"
	"cleanbox/internal/scanner"
	"cleanbox/pkg/logger"
)

type ScanRunner interface {
	Scan(ctx context.Context, accountID int64) (*scanner.Result, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, job mq.Job) (int64, bool, error)
}

type ScanHandler struct {
	accounts activeAccountReader
	scanner  ScanRunner
	queue    JobQueue
	logger   *zap.Logger
}

func NewScanHandler(accounts activeAccountReader, scan ScanRunner, queue JobQueue, logger *zap.Logger) *ScanHandler {
	return &ScanHandler{
		accounts: accounts,
		scanner:  scan,
		queue:    queue,
		logger:   logger,
	}
}

// Scan handles POST /scan. It runs the scan inline and returns the counts.
func (h *ScanHandler) Scan(c *gin.Context) {
	acct := activeAccount(c, h.accounts, h.logger)
	if acct == nil {
		return
	}

	res, err := h.scanner.Scan(c.Request.Context(), acct.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Initiate handles POST /scan/initiate. A scan already waiting or running
// for the account is reused.
func (h *ScanHandler) Initiate(c *gin.Context) {
	acct := activeAccount(c, h.accounts, h.logger)
	if acct == nil {
		return
	}

	jobID, created, err := h.queue.Enqueue(c.Request.Context(), mq.ScanJob{AccountID: acct.ID})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	logger.WithTrace(c.Request.Context(), h.logger).Info("Scan initiated",
		zap.Int64("account_id", acct.ID),
		zap.Int64("job_id", jobID),
		zap.Bool("created", created),
	)
	msg := "Inbox scan initiated. Check back later for tasks needing approval."
	if !created {
		msg = "An inbox scan is already queued."
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": msg,
		"job_id":  jobID,
	})
}

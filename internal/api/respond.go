package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cleanbox/internal/model"
	"cleanbox/internal/store"
	"cleanbox/internal/taskstore"
	"cleanbox/pkg/logger"
	"cleanbox/pkg/util"
)

var errNoAccount = errors.New("mailbox account is not connected")

type activeAccountReader interface {
	GetActiveAccount(ctx context.Context, userID int64) (*model.MailboxAccount, error)
}

// activeAccount resolves the caller's active mailbox account or writes the
// error response and returns nil.
func activeAccount(c *gin.Context, accounts activeAccountReader, log *zap.Logger) *model.MailboxAccount {
	acct, ok := optionalAccount(c, accounts, log)
	if ok && acct == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errNoAccount.Error()})
		return nil
	}
	return acct
}

// optionalAccount is activeAccount for read endpoints. A caller without a
// connected mailbox gets (nil, true) and nothing is written.
func optionalAccount(c *gin.Context, accounts activeAccountReader, log *zap.Logger) (*model.MailboxAccount, bool) {
	uid, ok := userID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return nil, false
	}
	acct, err := accounts.GetActiveAccount(c.Request.Context(), uid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, true
	}
	if err != nil {
		respondError(c, log, err)
		return nil, false
	}
	return acct, true
}

// respondError maps domain errors onto status codes.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	switch {
	case util.IsCredentialError(err):
		c.JSON(http.StatusConflict, gin.H{"error": "reconnect required"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, taskstore.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.WithTrace(c.Request.Context(), log).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

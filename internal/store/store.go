// Package store defines the persistence capability the pipeline depends on.
// Implementations live in store/postgres and store/memory.
package store

import (
	"context"
	"errors"
	"time"

	"cleanbox/internal/model"
)

var ErrNotFound = errors.New("not found")

// CredentialUpdate is written after a token refresh. RefreshTokenEnc is nil
// when the provider did not issue a new refresh credential.
type CredentialUpdate struct {
	AccessToken     string
	Expiry          time.Time
	RefreshTokenEnc *string
}

type AccountQuerier interface {
	GetAccount(ctx context.Context, id int64) (*model.MailboxAccount, error)
	GetActiveAccount(ctx context.Context, userID int64) (*model.MailboxAccount, error)
	ListAccounts(ctx context.Context, userID int64) ([]*model.MailboxAccount, error)
	// UpsertAccount inserts or updates by (user, email) and makes it the
	// user's only active account.
	UpsertAccount(ctx context.Context, a *model.MailboxAccount) (*model.MailboxAccount, error)
	UpdateAccountCredentials(ctx context.Context, id int64, u CredentialUpdate) error
	SetActiveAccount(ctx context.Context, userID, accountID int64) error
	// DisconnectAccount clears credentials and deactivates. The row is kept.
	DisconnectAccount(ctx context.Context, id int64) error
}

type SubscriptionQuerier interface {
	// UpsertSender fills the name only when the row has none.
	UpsertSender(ctx context.Context, domain string, name *string) (*model.Sender, error)
	UpsertSubscription(ctx context.Context, accountID, senderID int64, canonicalID string, seenAt time.Time) (*model.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*model.Subscription, error)
	MarkSubscriptionUnsubscribed(ctx context.Context, id int64, at time.Time) error
}

type TaskQuerier interface {
	// InsertTaskIfAbsent returns the existing row untouched on a
	// (subscription, url) hit; created reports whether a row was inserted.
	InsertTaskIfAbsent(ctx context.Context, t *model.UnsubscribeTask) (task *model.UnsubscribeTask, created bool, err error)
	GetTask(ctx context.Context, id int64) (*model.UnsubscribeTask, error)
	// GetTaskForUpdate locks the row for the enclosing transaction.
	GetTaskForUpdate(ctx context.Context, id int64) (*model.UnsubscribeTask, error)
	UpdateTask(ctx context.Context, t *model.UnsubscribeTask) error
	ListTasks(ctx context.Context, f model.TaskFilter) ([]*model.TaskView, error)
	// ListTasksUpdatedBefore returns tasks in status whose updated_at is older than before.
	ListTasksUpdatedBefore(ctx context.Context, status model.TaskStatus, before time.Time, limit int) ([]*model.UnsubscribeTask, error)
	TaskStats(ctx context.Context, accountID int64) (model.TaskStats, error)
}

type Querier interface {
	AccountQuerier
	SubscriptionQuerier
	TaskQuerier
}

type Store interface {
	Querier
	// WithTx runs fn in one transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(q Querier) error) error
	Ping(ctx context.Context) error
}

// Package registry maps discovered channels onto Sender, Subscription and
// UnsubscribeTask rows and decides which tasks are new.
package registry

import (
	"context"
	"fmt"
	"time"

	"cleanbox/internal/model"
	"cleanbox/internal/store"
)

// Registration is the outcome of one Register call. Task is nil when the
// subscription is already unsubscribed.
type Registration struct {
	Sender       *model.Sender
	Subscription *model.Subscription
	Task         *model.UnsubscribeTask
	Created      bool
}

// Skipped reports that no task exists because the subscription is done.
func (r *Registration) Skipped() bool {
	return r.Task == nil
}

type Registry struct {
	store   store.Store
	initial model.TaskStatus
	now     func() time.Time
}

// New builds a Registry. requireApproval selects the initial task state.
func New(st store.Store, requireApproval bool) *Registry {
	initial := model.StatusQueued
	if requireApproval {
		initial = model.StatusPendingApproval
	}
	return &Registry{store: st, initial: initial, now: time.Now}
}

func (r *Registry) InitialStatus() model.TaskStatus {
	return r.initial
}

// Register records one channel for an account in a single transaction.
func (r *Registry) Register(ctx context.Context, accountID int64, senderName *string, ch model.Channel) (*Registration, error) {
	canonicalID, domain, err := Canonicalize(ch)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	reg := &Registration{}

	err = r.store.WithTx(ctx, func(q store.Querier) error {
		sender, err := q.UpsertSender(ctx, domain, senderName)
		if err != nil {
			return fmt.Errorf("upsert sender %s: %w", domain, err)
		}
		reg.Sender = sender

		sub, err := q.UpsertSubscription(ctx, accountID, sender.ID, canonicalID, now)
		if err != nil {
			return fmt.Errorf("upsert subscription %s: %w", canonicalID, err)
		}
		reg.Subscription = sub

		if sub.Unsubscribed {
			return nil
		}

		task, created, err := q.InsertTaskIfAbsent(ctx, &model.UnsubscribeTask{
			SubscriptionID: sub.ID,
			AccountID:      accountID,
			URL:            ch.URL,
			Kind:           ch.Kind,
			OneClick:       ch.OneClick,
			Status:         r.initial,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		reg.Task = task
		reg.Created = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

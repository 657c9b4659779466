package model

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	StatusPendingApproval TaskStatus = "pending_approval"
	StatusQueued          TaskStatus = "queued"
	StatusProcessing      TaskStatus = "processing"
	StatusSuccess         TaskStatus = "success"
	StatusFailed          TaskStatus = "failed"
	StatusIgnored         TaskStatus = "ignored"
)

// transitions lists every legal successor of a status. Terminal states have none.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPendingApproval: {StatusQueued, StatusIgnored},
	StatusQueued:          {StatusProcessing},
	StatusProcessing:      {StatusSuccess, StatusFailed, StatusQueued},
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case StatusPendingApproval, StatusQueued, StatusProcessing,
		StatusSuccess, StatusFailed, StatusIgnored:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

func (s TaskStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusIgnored
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// UnsubscribeTask is one attempt at one exact channel URL of a Subscription.
type UnsubscribeTask struct {
	ID             int64       `json:"id"`
	SubscriptionID int64       `json:"subscription_id"`
	AccountID      int64       `json:"account_id"`
	URL            string      `json:"url"`
	Kind           ChannelKind `json:"kind"`
	OneClick       bool        `json:"one_click"`
	Status         TaskStatus  `json:"status"`
	ErrorMessage   *string     `json:"error_message,omitempty"`
	Attempts       int         `json:"attempts"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TaskView is a task joined with the sender it belongs to, for listings.
type TaskView struct {
	UnsubscribeTask
	SenderDomain string  `json:"sender_domain"`
	SenderName   *string `json:"sender_name,omitempty"`
	CanonicalID  string  `json:"canonical_id"`
}

type TaskFilter struct {
	AccountID int64
	Statuses  []TaskStatus
	Limit     int
}

type TaskStats struct {
	TotalAttempted int `json:"totalAttempted"`
	Successful     int `json:"successful"`
	Failed         int `json:"failed"`
	Pending        int `json:"pending"`
	// 每个成功退订按 50 封邮件估算
	EmailsAvoidedEstimate int `json:"emailsAvoidedEstimate"`
}

const EmailsAvoidedPerUnsubscribe = 50

package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobDelayed   JobStatus = "delayed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsLive reports whether a job still holds its idempotency key.
func (s JobStatus) IsLive() bool {
	return s == JobWaiting || s == JobActive || s == JobDelayed
}

// JobRecord is the durable row behind one queued job.
type JobRecord struct {
	ID           int64           `json:"id"`
	Key          string          `json:"key"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	NextRunAt    time.Time       `json:"next_run_at"`
	LastError    *string         `json:"last_error,omitempty"`
	TraceID      string          `json:"trace_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

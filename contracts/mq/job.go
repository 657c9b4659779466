// Package mq holds the wire contracts carried over RabbitMQ.
package mq

import (
	"encoding/json"
	"fmt"
)

const (
	RoutingKeyScan    = "unsub.job.scan"
	RoutingKeyExecute = "unsub.job.execute"
)

const (
	KindScan    = "scan"
	KindExecute = "execute"
)

// Job is either a ScanJob or an ExecuteJob.
type Job interface {
	Kind() string
	// Key identifies the job for deduplication. One live job per key.
	Key() string
	RoutingKey() string
}

type ScanJob struct {
	AccountID int64 `json:"account_id"`
}

func (ScanJob) Kind() string       { return KindScan }
func (j ScanJob) Key() string      { return fmt.Sprintf("scan-%d", j.AccountID) }
func (ScanJob) RoutingKey() string { return RoutingKeyScan }

type ExecuteJob struct {
	TaskID    int64  `json:"task_id"`
	AccountID int64  `json:"account_id"`
	URL       string `json:"url"`
	Channel   string `json:"channel"` // https / mailto
	OneClick  bool   `json:"one_click"`
}

func (ExecuteJob) Kind() string       { return KindExecute }
func (j ExecuteJob) Key() string      { return fmt.Sprintf("task-%d", j.TaskID) }
func (ExecuteJob) RoutingKey() string { return RoutingKeyExecute }

// Envelope is the message body. Payload holds the encoded Job.
type Envelope struct {
	JobID   int64           `json:"job_id"`
	Kind    string          `json:"kind"`
	Attempt int             `json:"attempt"`
	TraceID string          `json:"trace_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func RoutingKeyFor(kind string) (string, error) {
	switch kind {
	case KindScan:
		return RoutingKeyScan, nil
	case KindExecute:
		return RoutingKeyExecute, nil
	}
	return "", fmt.Errorf("unknown job kind %q", kind)
}

func EncodePayload(j Job) (json.RawMessage, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode %s job: %w", j.Kind(), err)
	}
	return b, nil
}

// DecodePayload rebuilds the concrete Job for kind.
func DecodePayload(kind string, payload json.RawMessage) (Job, error) {
	switch kind {
	case KindScan:
		var j ScanJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, fmt.Errorf("decode scan job: %w", err)
		}
		if j.AccountID <= 0 {
			return nil, fmt.Errorf("decode scan job: missing account_id")
		}
		return j, nil
	case KindExecute:
		var j ExecuteJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, fmt.Errorf("decode execute job: %w", err)
		}
		if j.TaskID <= 0 || j.URL == "" {
			return nil, fmt.Errorf("decode execute job: missing task_id or url")
		}
		return j, nil
	}
	return nil, fmt.Errorf("unknown job kind %q", kind)
}

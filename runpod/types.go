package runpod

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JobStatus is the platform's view of a job.
type JobStatus string

const (
	StatusInQueue    JobStatus = "IN_QUEUE"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
	StatusTimedOut   JobStatus = "TIMED_OUT"
)

// Terminal reports whether the job can no longer change.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// ErrPollTimeout is returned when a job is not finished within the poll budget.
var ErrPollTimeout = errors.New("Timed out waiting for results")

// JobFailedError is returned when the platform ends a job without output.
type JobFailedError struct {
	JobID  string
	Status JobStatus
	Reason string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("Job %s ended with status %s", e.JobID, e.Status)
	}
	return fmt.Sprintf("Job %s ended with status %s: %s", e.JobID, e.Status, e.Reason)
}

// RunResponse is the answer to /run and /runsync.
type RunResponse struct {
	ID     string          `json:"id"`
	Status JobStatus       `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StreamChunk is one streamed handler output.
type StreamChunk struct {
	Index  int             `json:"index"`
	Output json.RawMessage `json:"output"`
}

// StreamResponse is the answer to /stream/{id}.
type StreamResponse struct {
	Status JobStatus     `json:"status"`
	Stream []StreamChunk `json:"stream"`
}

// StatusResponse is the answer to /status/{id}.
type StatusResponse struct {
	ID            string          `json:"id"`
	Status        JobStatus       `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	DelayTime     int64           `json:"delayTime,omitempty"`
	ExecutionTime int64           `json:"executionTime,omitempty"`
}

package client

import (
	"math"
	"time"
)

// ProgressStatus is the phase a ProgressEvent reports.
type ProgressStatus string

// our cast of characters, in the order a job sees them
const (
	StatusWaiting    ProgressStatus = "waiting"
	StatusUploading  ProgressStatus = "uploading"
	StatusQueued     ProgressStatus = "queued"
	StatusExecuting  ProgressStatus = "executing"
	StatusRunning    ProgressStatus = "running"
	StatusCollecting ProgressStatus = "collecting"
)

// ProgressEvent is the normalized progress record emitted while a job runs.
// NodeIndex/TotalNodes is a best-effort fraction: the server may skip or revisit nodes.
type ProgressEvent struct {
	Status     ProgressStatus `json:"status"`
	Message    string         `json:"message,omitempty"`
	Node       string         `json:"node,omitempty"`
	NodeType   string         `json:"node_type,omitempty"`
	NodeIndex  *int           `json:"node_index,omitempty"`
	TotalNodes *int           `json:"total_nodes,omitempty"`
	Progress   *int           `json:"progress,omitempty"`
	Max        *int           `json:"max,omitempty"`
	Elapsed    float64        `json:"elapsed"`
}

// ElapsedSeconds rounds d to tenths of a second.
func ElapsedSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}

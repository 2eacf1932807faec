package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotReady is returned when the server never answered its health check.
	ErrNotReady = errors.New("ComfyUI server failed to start")
	// ErrMissingPromptID is returned when /prompt answers 200 without a prompt id.
	ErrMissingPromptID = errors.New("ComfyUI response is missing 'prompt_id'")
	// ErrExecutionTimeout matches every *ExecutionTimeoutError.
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrExecutionInterrupted is returned when the prompt was interrupted on the server.
	ErrExecutionInterrupted = errors.New("ComfyUI execution interrupted")
)

// PromptRejectedError carries the server's own response body for a prompt it refused.
type PromptRejectedError struct {
	StatusCode int
	Body       string
}

func (e *PromptRejectedError) Error() string {
	return fmt.Sprintf("ComfyUI rejected workflow: %s", e.Body)
}

// Detail decodes the body as a structured prompt error, when it is one.
func (e *PromptRejectedError) Detail() (*PromptErrorMessage, bool) {
	detail := &PromptErrorMessage{}
	if err := json.Unmarshal([]byte(e.Body), detail); err != nil || detail.Error.Type == "" {
		return nil, false
	}
	return detail, true
}

// ExecutionError is an exception raised by the server while evaluating the graph.
type ExecutionError struct {
	PromptID         string
	NodeID           string
	NodeType         string
	ExceptionMessage string
	ExceptionType    string
	Traceback        []string
}

func (e *ExecutionError) Error() string {
	msg := e.ExceptionMessage
	if msg == "" {
		msg = "Unknown error"
	}
	return fmt.Sprintf("ComfyUI execution error: %s", msg)
}

// ExecutionTimeoutError is returned when no terminal event arrived in time.
type ExecutionTimeoutError struct {
	Timeout time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("Workflow did not complete within %s", formatSeconds(e.Timeout))
}

func (e *ExecutionTimeoutError) Is(target error) bool {
	return target == ErrExecutionTimeout
}

func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return fmt.Sprintf("%gs", d.Seconds())
}

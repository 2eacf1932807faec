package client

import (
	"encoding/json"
	"fmt"
)

// WSMessage is one decoded event of the ComfyUI event stream. The set of
// implementations is closed; types the decoder does not know arrive as
// *WSMessageUnknown.
type WSMessage interface {
	MessageType() string
	wsMessage()
}

// DecodeWSMessage decodes a text frame of the event stream.
func DecodeWSMessage(b []byte) (WSMessage, error) {
	var temp struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return nil, err
	}

	var msg WSMessage
	switch temp.Type {
	case "status":
		msg = &WSMessageDataStatus{}
	case "execution_start":
		msg = &WSMessageDataExecutionStart{}
	case "execution_cached":
		msg = &WSMessageDataExecutionCached{}
	case "executing":
		msg = &WSMessageDataExecuting{}
	case "progress":
		msg = &WSMessageDataProgress{}
	case "execution_interrupted":
		msg = &WSMessageExecutionInterrupted{}
	case "execution_error":
		msg = &WSMessageExecutionError{}
	default:
		return &WSMessageUnknown{Type: temp.Type, Data: temp.Data}, nil
	}

	if len(temp.Data) > 0 && string(temp.Data) != "null" {
		if err := json.Unmarshal(temp.Data, msg); err != nil {
			return nil, fmt.Errorf("decoding %s data: %w", temp.Type, err)
		}
	}
	return msg, nil
}

type WSMessageDataStatus struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

/*
{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}}}
*/

func (*WSMessageDataStatus) MessageType() string { return "status" }
func (*WSMessageDataStatus) wsMessage()          {}

type WSMessageDataExecutionStart struct {
	PromptID string `json:"prompt_id"`
}

/*
{"type": "execution_start", "data": {"prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

func (*WSMessageDataExecutionStart) MessageType() string { return "execution_start" }
func (*WSMessageDataExecutionStart) wsMessage()          {}

type WSMessageDataExecutionCached struct {
	Nodes    []string `json:"nodes"`
	PromptID string   `json:"prompt_id"`
}

/*
{"type": "execution_cached", "data": {"nodes": ["4", "7"], "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

func (*WSMessageDataExecutionCached) MessageType() string { return "execution_cached" }
func (*WSMessageDataExecutionCached) wsMessage()          {}

// WSMessageDataExecuting reports the node that started. A nil Node marks the
// end of the prompt.
type WSMessageDataExecuting struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

/*
{"type": "executing", "data": {"node": "12", "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
{"type": "executing", "data": {"node": null, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

func (*WSMessageDataExecuting) MessageType() string { return "executing" }
func (*WSMessageDataExecuting) wsMessage()          {}

type WSMessageDataProgress struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
}

/*
{"type": "progress", "data": {"value": 1, "max": 20}}
{"type": "progress", "data": {"value": 1, "max": 20, "prompt_id": "ed98...", "node": "3"}}
*/

func (*WSMessageDataProgress) MessageType() string { return "progress" }
func (*WSMessageDataProgress) wsMessage()          {}

type WSMessageExecutionInterrupted struct {
	PromptID string   `json:"prompt_id"`
	Node     string   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Executed []string `json:"executed"`
}

/*
{"type": "execution_interrupted", "data": {"prompt_id": "dc7093d7-980a-4fe6-bf0c-f6fef932c74b", "node_id": "19", "node_type": "SaveImage", "executed": ["5", "17", "10", "11"]}}
*/

func (*WSMessageExecutionInterrupted) MessageType() string { return "execution_interrupted" }
func (*WSMessageExecutionInterrupted) wsMessage()          {}

type WSMessageExecutionError struct {
	PromptID         string          `json:"prompt_id"`
	Node             string          `json:"node_id"`
	NodeType         string          `json:"node_type"`
	Executed         []string        `json:"executed"`
	ExceptionMessage string          `json:"exception_message"`
	ExceptionType    string          `json:"exception_type"`
	Traceback        []string        `json:"traceback"`
	CurrentInputs    json.RawMessage `json:"current_inputs"`
	CurrentOutputs   json.RawMessage `json:"current_outputs"`
}

func (*WSMessageExecutionError) MessageType() string { return "execution_error" }
func (*WSMessageExecutionError) wsMessage()          {}

// ToError converts the event into the error surfaced to callers.
func (m *WSMessageExecutionError) ToError() *ExecutionError {
	return &ExecutionError{
		PromptID:         m.PromptID,
		NodeID:           m.Node,
		NodeType:         m.NodeType,
		ExceptionMessage: m.ExceptionMessage,
		ExceptionType:    m.ExceptionType,
		Traceback:        m.Traceback,
	}
}

// WSMessageUnknown is any event type outside the decoded set
// ("executed", "execution_success", "progress_state", extension events, ...).
type WSMessageUnknown struct {
	Type string
	Data json.RawMessage
}

func (m *WSMessageUnknown) MessageType() string { return m.Type }
func (*WSMessageUnknown) wsMessage()            {}

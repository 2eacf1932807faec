package graphapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
)

// ErrNotAnObject is returned when a workflow document is not a JSON object.
var ErrNotAnObject = errors.New("workflow must be a JSON object")

// Workflow is a graph in ComfyUI's API format: a mapping from node id to node
// descriptor. Node bodies are kept as raw JSON so the graph is passed to the
// server exactly as the caller supplied it.
type Workflow map[string]json.RawMessage

// WorkflowNode is the part of a node descriptor this package reads.
type WorkflowNode struct {
	ClassType string `json:"class_type"`
	Meta      struct {
		Title string `json:"title"`
	} `json:"_meta"`
}

// ParseWorkflow decodes an API-format workflow and rejects anything that is
// not a JSON object.
func ParseWorkflow(data []byte) (Workflow, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotAnObject
	}

	var w Workflow
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, err
	}
	return w, nil
}

// NewWorkflowFromJsonReader reads an API-format workflow from r.
func NewWorkflowFromJsonReader(r io.Reader) (Workflow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseWorkflow(data)
}

// NewWorkflowFromJsonFile reads an API-format workflow from a file.
func NewWorkflowFromJsonFile(path string) (Workflow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return NewWorkflowFromJsonReader(file)
}

// NodeCount is the number of nodes in the graph.
func (w Workflow) NodeCount() int {
	return len(w)
}

// Node decodes the descriptor of a node. Compound ids of nodes inside a
// subgraph instance ("57:8") resolve to the instance node ("57") when the
// full id is not present.
func (w Workflow) Node(id string) (*WorkflowNode, bool) {
	raw, ok := w[id]
	if !ok {
		prefix, _, found := strings.Cut(id, ":")
		if !found {
			return nil, false
		}
		raw, ok = w[prefix]
		if !ok {
			return nil, false
		}
	}

	node := &WorkflowNode{}
	if err := json.Unmarshal(raw, node); err != nil {
		return nil, false
	}
	return node, true
}

// NodeType returns the class_type of a node, or "Unknown".
func (w Workflow) NodeType(id string) string {
	node, ok := w.Node(id)
	if !ok || node.ClassType == "" {
		return "Unknown"
	}
	return node.ClassType
}

package graphapi

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID string   `json:"client_id"`
	Nodes    Workflow `json:"prompt"`
}

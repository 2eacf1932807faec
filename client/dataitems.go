package client

// There may be other DataOutput types (text outputs are lists of strings and are skipped)

type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

// NodeOutput is the output listing of one node in a history entry.
// "gifs" is used by video combine nodes.
type NodeOutput struct {
	Images []DataOutput `json:"images,omitempty"`
	Gifs   []DataOutput `json:"gifs,omitempty"`
}

// Files returns every file output of the node, images first.
func (o NodeOutput) Files() []DataOutput {
	files := make([]DataOutput, 0, len(o.Images)+len(o.Gifs))
	files = append(files, o.Images...)
	return append(files, o.Gifs...)
}

type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// PromptHistoryItem is the history entry of one prompt, as returned by /history/{prompt_id}.
type PromptHistoryItem struct {
	PromptID string                `json:"-"`
	Outputs  map[string]NodeOutput `json:"outputs"`
	Status   HistoryStatus         `json:"status"`
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

type PromptErrorMessage struct {
	Error      PromptError            `json:"error"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

// InputImage is a caller-supplied image pushed to the server's input folder
// before a workflow runs. Image holds base64 data.
type InputImage struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

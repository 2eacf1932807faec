package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/evandcoleman/runpod-comfyui-serverless/client"
	"github.com/evandcoleman/runpod-comfyui-serverless/storage"
)

// Artifact is one output file of a job. Exactly one of Data (base64) and URL is set.
type Artifact struct {
	Filename string `json:"filename"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// MarshalJSON writes url for stored artifacts and data for everything else,
// so an empty inline file still carries "data": "".
func (a Artifact) MarshalJSON() ([]byte, error) {
	if a.URL != "" {
		return json.Marshal(struct {
			Filename string `json:"filename"`
			URL      string `json:"url"`
		}{a.Filename, a.URL})
	}
	return json.Marshal(struct {
		Filename string `json:"filename"`
		Data     string `json:"data"`
	}{a.Filename, a.Data})
}

// OutputSource is the part of the ComfyUI client the collector reads from.
type OutputSource interface {
	GetPromptHistory(ctx context.Context, promptID string) (*client.PromptHistoryItem, error)
	GetImage(ctx context.Context, output client.DataOutput) ([]byte, error)
}

// Collector gathers the files a finished prompt produced.
type Collector struct {
	source OutputSource
	store  storage.Store
	logger *zap.Logger
}

// NewCollector creates a collector. With a nil store artifacts are returned inline.
func NewCollector(source OutputSource, store storage.Store, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{source: source, store: store, logger: logger}
}

// Collect fetches every image and gif output of promptID. Artifact order
// follows node id order and carries no meaning.
func (c *Collector) Collect(ctx context.Context, promptID string) ([]Artifact, error) {
	history, err := c.source.GetPromptHistory(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	nodeIDs := make([]string, 0, len(history.Outputs))
	for id := range history.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var artifacts []Artifact
	for _, id := range nodeIDs {
		for _, file := range history.Outputs[id].Files() {
			data, err := c.source.GetImage(ctx, file)
			if err != nil {
				return nil, fmt.Errorf("fetching %s: %w", file.Filename, err)
			}

			artifact := Artifact{Filename: file.Filename}
			if c.store != nil {
				url, err := c.store.Put(ctx, file.Filename, data)
				if err != nil {
					return nil, err
				}
				artifact.URL = url
			} else {
				artifact.Data = base64.StdEncoding.EncodeToString(data)
			}

			c.logger.Debug("collected output",
				zap.String("node", id),
				zap.String("filename", file.Filename),
				zap.Int("bytes", len(data)),
			)
			artifacts = append(artifacts, artifact)
		}
	}
	return artifacts, nil
}

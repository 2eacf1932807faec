// Package models fetches the model files a deployment needs into the
// ComfyUI models directory before the server starts.
package models

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest lists model files grouped by Hugging Face repository.
type Manifest struct {
	Models []Model `yaml:"models"`
}

// Model is one repository and the files taken from it.
type Model struct {
	Repo  string `yaml:"repo"`
	Files []File `yaml:"files"`
}

// File is a path inside the repository and the models subdirectory it belongs in.
type File struct {
	Path string `yaml:"path"`
	Dest string `yaml:"dest"`
}

// LoadManifest reads the manifest at path. A missing file yields an empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}

	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	for i, model := range m.Models {
		if model.Repo == "" {
			return nil, fmt.Errorf("models[%d] missing 'repo'", i)
		}
		for j, f := range model.Files {
			if f.Path == "" || f.Dest == "" {
				return nil, fmt.Errorf("models[%d].files[%d] missing 'path' or 'dest'", i, j)
			}
		}
	}
	return m, nil
}

// FileCount is the number of files across all models.
func (m *Manifest) FileCount() int {
	n := 0
	for _, model := range m.Models {
		n += len(model.Files)
	}
	return n
}

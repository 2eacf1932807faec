package config

import (
	"github.com/kelseyhightower/envconfig"
)

// Extension holds the configuration for the save route server.
type Extension struct {
	Environment

	Addr      string `envconfig:"RUNPOD_SAVE_ADDR" default:":8189"`
	OutputDir string `envconfig:"COMFYUI_OUTPUT_DIR" default:"output"`
}

// InitExtensionConfig initializes the save route configuration.
func InitExtensionConfig() (*Extension, error) {
	var cfg Extension
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

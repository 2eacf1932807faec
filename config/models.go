package config

import (
	"github.com/kelseyhightower/envconfig"
)

// Models holds the configuration for the model downloader.
type Models struct {
	Environment

	ModelsDir   string `envconfig:"COMFYUI_MODELS_DIR" default:"/comfyui/models"`
	Manifest    string `envconfig:"MODELS_MANIFEST" default:"config/models.yaml"`
	HFToken     string `envconfig:"HF_TOKEN" default:""`
	URLTemplate string `envconfig:"MODELS_URL_TEMPLATE" default:"https://huggingface.co/{repo}/resolve/main/{path}"`
}

// InitModelsConfig initializes the model downloader configuration.
func InitModelsConfig() (*Models, error) {
	var cfg Models
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

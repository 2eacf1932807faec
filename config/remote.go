package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Remote holds the configuration for the RunPod endpoint client.
type Remote struct {
	Environment

	Endpoint     string        `envconfig:"RUNPOD_ENDPOINT" default:""`
	APIKey       string        `envconfig:"RUNPOD_API_KEY" default:""`
	PollInterval time.Duration `envconfig:"RUNPOD_POLL_INTERVAL" default:"500ms"`
	PollTimeout  time.Duration `envconfig:"RUNPOD_POLL_TIMEOUT" default:"10m"`
}

// InitRemoteConfig initializes the remote client configuration.
func InitRemoteConfig() (*Remote, error) {
	var cfg Remote
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

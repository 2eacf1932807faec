package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = ""

// Environment holds settings shared by every binary.
type Environment struct {
	Env      string `envconfig:"ENV" default:"production"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Development reports whether the binary runs in a development environment.
func (e Environment) Development() bool {
	return e.Env == "development"
}

// ComfyUI holds the settings used to talk to the execution engine.
type ComfyUI struct {
	URL              string        `envconfig:"COMFYUI_URL" default:"http://127.0.0.1:8188"`
	ReadyAttempts    int           `envconfig:"COMFYUI_READY_ATTEMPTS" default:"500"`
	ReadyInterval    time.Duration `envconfig:"COMFYUI_READY_INTERVAL" default:"50ms"`
	ExecutionTimeout time.Duration `envconfig:"COMFYUI_EXECUTION_TIMEOUT" default:"600s"`
	RequestTimeout   time.Duration `envconfig:"COMFYUI_REQUEST_TIMEOUT" default:"30s"`
	ViewTimeout      time.Duration `envconfig:"COMFYUI_VIEW_TIMEOUT" default:"60s"`
	WSDialRetries    int           `envconfig:"COMFYUI_WS_DIAL_RETRIES" default:"3"`
}

// Worker holds the platform webhooks a serverless worker pulls jobs from and
// reports to. The platform sets them in the worker's environment; $ID in a
// webhook is replaced by the job id, $RUNPOD_POD_ID by PodID.
type Worker struct {
	GetJobURL     string        `envconfig:"RUNPOD_WEBHOOK_GET_JOB" default:""`
	PostStreamURL string        `envconfig:"RUNPOD_WEBHOOK_POST_STREAM" default:""`
	PostOutputURL string        `envconfig:"RUNPOD_WEBHOOK_POST_OUTPUT" default:""`
	WorkerAPIKey  string        `envconfig:"RUNPOD_AI_API_KEY" default:""`
	PodID         string        `envconfig:"RUNPOD_POD_ID" default:""`
	JobPollDelay  time.Duration `envconfig:"RUNPOD_JOB_POLL_DELAY" default:"1s"`
}

// Serverless reports whether the process runs inside a serverless worker.
func (w Worker) Serverless() bool {
	return w.GetJobURL != ""
}

// Handler holds the configuration for the job handler.
type Handler struct {
	Environment

	ComfyUI
	Worker
}

// InitHandlerConfig initializes the job handler configuration.
func InitHandlerConfig() (*Handler, error) {
	var cfg Handler
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

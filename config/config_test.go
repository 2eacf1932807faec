package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evandcoleman/runpod-comfyui-serverless/config"
)

func TestInitHandlerConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want func(t *testing.T, cfg *config.Handler)
	}{
		{
			name: "defaults",
			env:  map[string]string{},
			want: func(t *testing.T, cfg *config.Handler) {
				assert.Equal(t, "http://127.0.0.1:8188", cfg.URL)
				assert.Equal(t, 500, cfg.ReadyAttempts)
				assert.Equal(t, 50*time.Millisecond, cfg.ReadyInterval)
				assert.Equal(t, 600*time.Second, cfg.ExecutionTimeout)
				assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
				assert.Equal(t, 60*time.Second, cfg.ViewTimeout)
				assert.Equal(t, "info", cfg.LogLevel)
				assert.False(t, cfg.Development())
				assert.False(t, cfg.Serverless())
				assert.Equal(t, time.Second, cfg.JobPollDelay)
			},
		},
		{
			name: "overrides",
			env: map[string]string{
				"COMFYUI_URL":               "http://comfy:8188",
				"COMFYUI_EXECUTION_TIMEOUT": "2m",
				"ENV":                       "development",
			},
			want: func(t *testing.T, cfg *config.Handler) {
				assert.Equal(t, "http://comfy:8188", cfg.URL)
				assert.Equal(t, 2*time.Minute, cfg.ExecutionTimeout)
				assert.True(t, cfg.Development())
			},
		},
		{
			name: "serverless worker",
			env: map[string]string{
				"RUNPOD_WEBHOOK_GET_JOB":     "https://api.runpod.ai/v2/ep/job-take/$RUNPOD_POD_ID",
				"RUNPOD_WEBHOOK_POST_OUTPUT": "https://api.runpod.ai/v2/ep/job-done/$RUNPOD_POD_ID/$ID",
				"RUNPOD_WEBHOOK_POST_STREAM": "https://api.runpod.ai/v2/ep/job-stream/$RUNPOD_POD_ID/$ID",
				"RUNPOD_AI_API_KEY":          "worker-key",
				"RUNPOD_POD_ID":              "pod-1",
			},
			want: func(t *testing.T, cfg *config.Handler) {
				assert.True(t, cfg.Serverless())
				assert.Equal(t, "worker-key", cfg.WorkerAPIKey)
				assert.Equal(t, "pod-1", cfg.PodID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := config.InitHandlerConfig()
			require.NoError(t, err)
			tt.want(t, cfg)
		})
	}
}

func TestInitRemoteConfig(t *testing.T) {
	t.Setenv("RUNPOD_ENDPOINT", "https://api.runpod.ai/v2/abc")
	t.Setenv("RUNPOD_API_KEY", "secret")

	cfg, err := config.InitRemoteConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://api.runpod.ai/v2/abc", cfg.Endpoint)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.PollTimeout)
}

func TestInitModelsConfig(t *testing.T) {
	cfg, err := config.InitModelsConfig()
	require.NoError(t, err)
	assert.Equal(t, "/comfyui/models", cfg.ModelsDir)
	assert.Equal(t, "https://huggingface.co/{repo}/resolve/main/{path}", cfg.URLTemplate)
}

func TestInitHandlerConfig_InvalidDuration(t *testing.T) {
	t.Setenv("COMFYUI_READY_INTERVAL", "soon")

	_, err := config.InitHandlerConfig()
	assert.Error(t, err)
}

package logger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evandcoleman/runpod-comfyui-serverless/logger"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		level       string
		development bool
		wantErr     bool
	}{
		{name: "info json", level: "info"},
		{name: "debug console", level: "debug", development: true},
		{name: "invalid level", level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l, err := logger.New(tt.level, tt.development)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, logger.FromContext(context.Background()))

	l := zap.NewExample()
	ctx := logger.WithContext(context.Background(), l)
	assert.Same(t, l, logger.FromContext(ctx))
}

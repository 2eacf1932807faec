// Package handler runs one job against a local ComfyUI server: it validates
// the input, waits for the server, uploads input images, submits the workflow,
// follows its progress and collects the outputs.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evandcoleman/runpod-comfyui-serverless/client"
	"github.com/evandcoleman/runpod-comfyui-serverless/config"
	loggerpkg "github.com/evandcoleman/runpod-comfyui-serverless/logger"
	"github.com/evandcoleman/runpod-comfyui-serverless/storage"
)

// waitNotifyEvery spaces out "waiting" events to roughly one per second at the default interval.
const waitNotifyEvery = 20

const interruptTimeout = 5 * time.Second

// ErrNoOutputs is reported when a prompt completed without producing any file.
var ErrNoOutputs = errors.New("No output images produced")

// Result is the terminal payload of a job: either Images or Error.
type Result struct {
	Images []Artifact `json:"images,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Chunk is one element of a job's output stream. Exactly one of the embedded
// pointers is set, and only the last chunk carries a Result.
type Chunk struct {
	*client.ProgressEvent
	*Result
}

// Final reports whether the chunk terminates the stream.
func (c Chunk) Final() bool {
	return c.Result != nil
}

// StoreFactory builds the artifact store for a job's storage configuration.
type StoreFactory func(cfg storage.Config, logger *zap.Logger) storage.Store

// Option configures a Handler.
type Option func(*Handler)

// WithStoreFactory replaces the S3 store used when a job asks for object storage.
func WithStoreFactory(f StoreFactory) Option {
	return func(h *Handler) {
		h.newStore = f
	}
}

// WithHttpClient sets the http client shared by the jobs' ComfyUI clients.
func WithHttpClient(c *http.Client) Option {
	return func(h *Handler) {
		h.httpclient = c
	}
}

// Handler executes jobs. It holds no per-job state and may serve jobs concurrently.
type Handler struct {
	cfg        config.ComfyUI
	newStore   StoreFactory
	httpclient *http.Client
	now        func() time.Time

	statsOnce sync.Once
}

// New creates a Handler for the server described by cfg.
func New(cfg config.ComfyUI, opts ...Option) *Handler {
	h := &Handler{
		cfg: cfg,
		newStore: func(cfg storage.Config, logger *zap.Logger) storage.Store {
			return storage.NewS3Store(cfg, logger)
		},
		httpclient: &http.Client{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleJob runs job, tagging the context logger with the job id.
func (h *Handler) HandleJob(ctx context.Context, job Job, emit func(Chunk)) *Result {
	if job.ID != "" {
		ctx = loggerpkg.WithContext(ctx, loggerpkg.FromContext(ctx).With(zap.String("job_id", job.ID)))
	}
	return h.Stream(ctx, job.Input, emit)
}

// Stream runs a job and passes every progress event to emit as it happens,
// followed by the terminal Result. The Result is also returned.
func (h *Handler) Stream(ctx context.Context, input []byte, emit func(Chunk)) *Result {
	if emit == nil {
		emit = func(Chunk) {}
	}

	result := h.run(ctx, input, func(ev client.ProgressEvent) {
		emit(Chunk{ProgressEvent: &ev})
	})
	emit(Chunk{Result: result})
	return result
}

// Run runs a job and returns only its terminal Result.
func (h *Handler) Run(ctx context.Context, input []byte) *Result {
	return h.Stream(ctx, input, nil)
}

func failure(err error) *Result {
	return &Result{Error: err.Error()}
}

func failuref(format string, args ...any) *Result {
	return &Result{Error: fmt.Sprintf(format, args...)}
}

func (h *Handler) run(ctx context.Context, raw []byte, progress func(client.ProgressEvent)) *Result {
	logger := loggerpkg.FromContext(ctx)

	input, err := ParseJobInput(raw)
	if err != nil {
		logger.Info("invalid job input", zap.Error(err))
		return failure(err)
	}

	comfy := client.NewComfyClient(h.cfg.URL, logger)
	comfy.SetHttpClient(h.httpclient)
	comfy.SetTimeouts(h.cfg.RequestTimeout, h.cfg.ViewTimeout)
	comfy.SetDialRetries(h.cfg.WSDialRetries)
	logger = logger.With(zap.String("client_id", comfy.ClientID()))

	// the server may still be booting on a cold start
	waitStart := h.now()
	ready := comfy.WaitReady(ctx, h.cfg.ReadyAttempts, h.cfg.ReadyInterval, func(attempt int, _ error) {
		if (attempt-1)%waitNotifyEvery != 0 {
			return
		}
		elapsed := client.ElapsedSeconds(h.now().Sub(waitStart))
		progress(client.ProgressEvent{
			Status:  client.StatusWaiting,
			Message: fmt.Sprintf("Waiting for ComfyUI server... (%.1fs)", elapsed),
			Elapsed: elapsed,
		})
	})
	if !ready {
		return failure(client.ErrNotReady)
	}
	progress(client.ProgressEvent{
		Status:  client.StatusWaiting,
		Message: "ComfyUI server ready",
		Elapsed: client.ElapsedSeconds(h.now().Sub(waitStart)),
	})
	h.statsOnce.Do(func() {
		h.logSystemStats(ctx, comfy, logger)
	})

	if len(input.Images) > 0 {
		progress(client.ProgressEvent{
			Status:  client.StatusUploading,
			Message: fmt.Sprintf("Uploading %d input image(s)...", len(input.Images)),
		})
		if err := comfy.UploadImages(ctx, input.Images); err != nil {
			return failuref("Failed to upload images: %v", err)
		}
	}

	// connect before queueing so no event of the prompt is missed
	conn, err := comfy.ConnectEvents(ctx)
	if err != nil {
		return failuref("Failed to connect WebSocket: %v", err)
	}

	totalNodes := input.Workflow.NodeCount()
	progress(client.ProgressEvent{
		Status:     client.StatusQueued,
		Message:    "Submitting workflow to ComfyUI...",
		TotalNodes: client.Int(totalNodes),
	})

	item, err := comfy.QueuePrompt(ctx, input.Workflow)
	if err != nil {
		_ = conn.Close()
		var rejected *client.PromptRejectedError
		if errors.As(err, &rejected) {
			return failure(rejected)
		}
		return failuref("Failed to queue workflow: %v", err)
	}
	logger = logger.With(zap.String("prompt_id", item.PromptID))

	handlers := client.DefaultMonitorHandlers(logger).WithProgressHandler(progress)
	monitor := client.NewMonitor(input.Workflow, h.cfg.ExecutionTimeout, handlers, logger)
	if err := monitor.Watch(ctx, conn, item.PromptID); err != nil {
		var execErr *client.ExecutionError
		switch {
		case errors.As(err, &execErr):
			return failure(execErr)
		case errors.Is(err, client.ErrExecutionTimeout):
			h.interrupt(ctx, comfy, logger)
			return failure(err)
		case errors.Is(err, client.ErrExecutionInterrupted):
			return failure(err)
		default:
			return failuref("Lost connection to ComfyUI: %v", err)
		}
	}

	progress(client.ProgressEvent{
		Status:  client.StatusCollecting,
		Message: "Collecting output images...",
	})

	var store storage.Store
	if input.S3 != nil {
		store = h.newStore(*input.S3, logger)
	}
	artifacts, err := NewCollector(comfy, store, logger).Collect(ctx, item.PromptID)
	if err != nil {
		return failuref("Failed to collect outputs: %v", err)
	}
	if len(artifacts) == 0 {
		return failure(ErrNoOutputs)
	}

	logger.Info("job completed", zap.Int("artifacts", len(artifacts)), zap.Int("nodes_done", monitor.NodesDone()))
	return &Result{Images: artifacts}
}

// logSystemStats records the server's devices once per process.
func (h *Handler) logSystemStats(ctx context.Context, comfy *client.ComfyClient, logger *zap.Logger) {
	stats, err := comfy.GetSystemStats(ctx)
	if err != nil {
		logger.Debug("reading system stats", zap.Error(err))
		return
	}

	logger.Info("ComfyUI system",
		zap.String("os", stats.System.OS),
		zap.String("python_version", stats.System.PythonVersion),
		zap.Int("devices", len(stats.Devices)),
	)
	for _, gpu := range stats.Devices {
		logger.Info("ComfyUI device",
			zap.String("name", gpu.Name),
			zap.String("type", gpu.Type),
			zap.Int64("vram_total", gpu.VRAM_Total),
			zap.Int64("vram_free", gpu.VRAM_Free),
		)
	}
}

// interrupt stops a prompt that outlived its budget so it does not occupy the
// server for the next job.
func (h *Handler) interrupt(ctx context.Context, comfy *client.ComfyClient, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptTimeout)
	defer cancel()

	if err := comfy.Interrupt(ctx); err != nil {
		logger.Warn("interrupting timed out prompt", zap.Error(err))
	}
}

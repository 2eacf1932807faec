package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/evandcoleman/runpod-comfyui-serverless/config"
	"github.com/evandcoleman/runpod-comfyui-serverless/handler"
	loggerpkg "github.com/evandcoleman/runpod-comfyui-serverless/logger"
)

const (
	outputRetries  = 3
	outputDeadline = 30 * time.Second
)

// JobRunner executes one job, passing every output chunk to emit.
type JobRunner interface {
	HandleJob(ctx context.Context, job handler.Job, emit func(handler.Chunk)) *handler.Result
}

// Worker is the in-pod side of the job API: it takes jobs from the platform,
// runs them and reports their streamed and final outputs.
type Worker struct {
	cfg           config.Worker
	runner        JobRunner
	httpclient    *http.Client
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewWorker creates a worker reporting to the webhooks of cfg.
func NewWorker(cfg config.Worker, runner JobRunner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobPollDelay <= 0 {
		cfg.JobPollDelay = time.Second
	}
	return &Worker{
		cfg:           cfg,
		runner:        runner,
		httpclient:    &http.Client{Timeout: requestTimeout},
		retryInterval: time.Second,
		logger:        logger.With(zap.String("pod_id", cfg.PodID)),
	}
}

// SetHttpClient replaces the underlying http client
func (w *Worker) SetHttpClient(client *http.Client) {
	w.httpclient = client
}

// Run takes and processes jobs one at a time until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	for {
		job, err := w.Next(ctx)
		switch {
		case ctx.Err() != nil:
			w.logger.Info("worker stopped")
			return nil
		case err != nil:
			w.logger.Warn("taking job", zap.Error(err))
		case job != nil:
			if err := w.Process(ctx, *job); err != nil {
				w.logger.Error("reporting job output", zap.String("job_id", job.ID), zap.Error(err))
			}
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-time.After(w.cfg.JobPollDelay):
		}
	}
}

// Next takes the next job. It returns nil when the platform has none.
func (w *Worker) Next(ctx context.Context) (*handler.Job, error) {
	u, err := w.webhook(w.cfg.GetJobURL, "", url.Values{"job_in_progress": {"0"}})
	if err != nil {
		return nil, err
	}
	data, status, err := w.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusNoContent:
		return nil, nil
	case status < 200 || status > 299:
		return nil, fmt.Errorf("GET job: %d %s", status, http.StatusText(status))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	job := &handler.Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("parsing job: %w", err)
	}
	if job.ID == "" {
		return nil, errors.New("job without id")
	}
	return job, nil
}

// Process runs job, posting every chunk to the stream webhook as it is emitted
// and the aggregated chunk list to the output webhook once the job ends. Lost
// stream posts are logged and skipped; the output post is retried.
func (w *Worker) Process(ctx context.Context, job handler.Job) error {
	logger := w.logger.With(zap.String("job_id", job.ID))
	logger.Info("job received")
	ctx = loggerpkg.WithContext(ctx, w.logger)

	var chunks []handler.Chunk
	emit := func(chunk handler.Chunk) {
		chunks = append(chunks, chunk)
		if w.cfg.PostStreamURL == "" {
			return
		}
		if err := w.post(ctx, w.cfg.PostStreamURL, job.ID, true, map[string]any{"output": chunk}); err != nil {
			logger.Warn("posting stream chunk", zap.Int("index", len(chunks)-1), zap.Error(err))
		}
	}

	result := w.runner.HandleJob(ctx, job, emit)
	if len(chunks) == 0 {
		chunks = append(chunks, handler.Chunk{Result: result})
	}

	// the output is reported even when ctx was cancelled mid-job
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outputDeadline)
	defer cancel()

	payload := map[string]any{"output": chunks}
	post := func() error {
		return w.post(postCtx, w.cfg.PostOutputURL, job.ID, false, payload)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("posting job output", zap.Duration("retry_in", next), zap.Error(err))
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(w.retryInterval), outputRetries), postCtx)
	if err := backoff.RetryNotify(post, b, notify); err != nil {
		return err
	}

	if result != nil && result.Error != "" {
		logger.Info("job failed", zap.String("error", result.Error))
	} else {
		logger.Info("job done", zap.Int("chunks", len(chunks)))
	}
	return nil
}

func (w *Worker) post(ctx context.Context, tmpl, jobID string, stream bool, payload any) error {
	u, err := w.webhook(tmpl, jobID, url.Values{"isStream": {strconv.FormatBool(stream)}})
	if err != nil {
		return backoff.Permanent(err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}
	data, status, err := w.do(ctx, http.MethodPost, u, body)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("POST %s: %d %s", strings.SplitN(u, "?", 2)[0], status, strings.TrimSpace(string(data)))
	}
	return nil
}

// webhook fills the placeholders of tmpl and adds query.
func (w *Worker) webhook(tmpl, jobID string, query url.Values) (string, error) {
	if tmpl == "" {
		return "", errors.New("webhook not configured")
	}
	u, err := url.Parse(strings.NewReplacer("$RUNPOD_POD_ID", w.cfg.PodID, "$ID", jobID).Replace(tmpl))
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range query {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *Worker) do(ctx context.Context, method, u string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, err
	}
	// worker keys are sent as is, without a scheme
	req.Header.Set("Authorization", w.cfg.WorkerAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.httpclient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

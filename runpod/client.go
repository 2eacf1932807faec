// Package runpod talks to a deployed endpoint over the platform's job API:
// submit with /run or /runsync, then follow /stream and /status until the
// job is terminal.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evandcoleman/runpod-comfyui-serverless/handler"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPollTimeout  = 10 * time.Minute

	requestTimeout = 30 * time.Second
	// the platform holds /runsync open for up to 90s
	runSyncTimeout = 2 * time.Minute
)

// Client is a client for one serverless endpoint, e.g. https://api.runpod.ai/v2/<endpoint id>
type Client struct {
	endpoint     string
	apiKey       string
	httpclient   *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *zap.Logger
}

// NewClient creates a client for endpoint authenticated with apiKey.
func NewClient(endpoint, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:     strings.TrimRight(endpoint, "/"),
		apiKey:       apiKey,
		httpclient:   &http.Client{},
		pollInterval: DefaultPollInterval,
		pollTimeout:  DefaultPollTimeout,
		logger:       logger,
	}
}

// SetPolling sets the poll interval and the overall budget of Watch. Zero values keep the current setting.
func (c *Client) SetPolling(interval, timeout time.Duration) {
	if interval > 0 {
		c.pollInterval = interval
	}
	if timeout > 0 {
		c.pollTimeout = timeout
	}
}

// SetHttpClient replaces the underlying http client
func (c *Client) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

func (c *Client) do(ctx context.Context, method, path string, payload any, timeout time.Duration) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpclient.Do(req)
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

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	data, status, err := c.do(ctx, http.MethodGet, path, nil, requestTimeout)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("GET %s: %d %s", path, status, http.StatusText(status))
	}
	return json.Unmarshal(data, v)
}

func (c *Client) submit(ctx context.Context, path string, input *handler.JobInput, timeout time.Duration) (*RunResponse, error) {
	data, status, err := c.do(ctx, http.MethodPost, path, map[string]any{"input": input}, timeout)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("Submit failed (%d): %s", status, strings.TrimSpace(string(data)))
	}

	resp := &RunResponse{}
	if err := json.Unmarshal(data, resp); err != nil || resp.ID == "" {
		return nil, fmt.Errorf("Unexpected response: %s", strings.TrimSpace(string(data)))
	}
	return resp, nil
}

// Submit queues a job and returns its id.
func (c *Client) Submit(ctx context.Context, input *handler.JobInput) (string, error) {
	resp, err := c.submit(ctx, "/run", input, requestTimeout)
	if err != nil {
		return "", err
	}
	c.logger.Info("job submitted", zap.String("job_id", resp.ID), zap.String("status", string(resp.Status)))
	return resp.ID, nil
}

// RunSync runs a job through /runsync. When the platform answers before the
// job finished, it continues with Watch.
func (c *Client) RunSync(ctx context.Context, input *handler.JobInput, onChunk func(handler.Chunk)) (*handler.Result, error) {
	resp, err := c.submit(ctx, "/runsync", input, runSyncTimeout)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.Status == StatusCompleted:
		return finalOutput(resp.Output), nil
	case resp.Status.Terminal():
		return nil, &JobFailedError{JobID: resp.ID, Status: resp.Status, Reason: resp.Error}
	default:
		c.logger.Debug("runsync returned early", zap.String("job_id", resp.ID), zap.String("status", string(resp.Status)))
		return c.Watch(ctx, resp.ID, onChunk)
	}
}

// Stream reads the handler outputs streamed so far.
func (c *Client) Stream(ctx context.Context, jobID string) (*StreamResponse, error) {
	resp := &StreamResponse{}
	if err := c.getJSON(ctx, "/stream/"+jobID, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Status reads the job status, including the aggregated output of a finished job.
func (c *Client) Status(ctx context.Context, jobID string) (*StatusResponse, error) {
	resp := &StatusResponse{}
	if err := c.getJSON(ctx, "/status/"+jobID, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Cancel asks the platform to stop a job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	_, status, err := c.do(ctx, http.MethodPost, "/cancel/"+jobID, nil, requestTimeout)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("POST /cancel/%s: %d %s", jobID, status, http.StatusText(status))
	}
	return nil
}

// Watch polls a job until it produces a terminal output or the platform ends it.
// Every newly seen chunk, the terminal one included, is passed to onChunk.
// Chunks already seen on an earlier poll are skipped by index. Failed reads
// are retried on the next tick until the poll budget runs out.
func (c *Client) Watch(ctx context.Context, jobID string, onChunk func(handler.Chunk)) (*handler.Result, error) {
	if onChunk == nil {
		onChunk = func(handler.Chunk) {}
	}
	logger := c.logger.With(zap.String("job_id", jobID))

	pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	seen := make(map[int]struct{})
	var final *handler.Result

	for {
		if stream, err := c.Stream(pollCtx, jobID); err != nil {
			logger.Debug("reading stream", zap.Error(err))
		} else {
			for _, sc := range stream.Stream {
				if _, ok := seen[sc.Index]; ok {
					continue
				}
				seen[sc.Index] = struct{}{}

				var chunk handler.Chunk
				if err := json.Unmarshal(sc.Output, &chunk); err != nil {
					logger.Debug("skipping undecodable chunk", zap.Int("index", sc.Index), zap.Error(err))
					continue
				}
				onChunk(chunk)

				if chunk.Result == nil {
					continue
				}
				if chunk.Result.Error != "" {
					return chunk.Result, nil
				}
				if len(chunk.Result.Images) > 0 {
					final = chunk.Result
				}
			}
		}
		if final != nil {
			return final, nil
		}

		if status, err := c.Status(pollCtx, jobID); err != nil {
			logger.Debug("reading status", zap.Error(err))
		} else {
			switch {
			case status.Status == StatusCompleted:
				return finalOutput(status.Output), nil
			case status.Status.Terminal():
				return nil, &JobFailedError{JobID: jobID, Status: status.Status, Reason: status.Error}
			}
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrPollTimeout
		case <-ticker.C:
		}
	}
}

// finalOutput extracts the terminal result from a job's output. Streaming
// handlers report an aggregated list; the last element carrying images or an
// error is the result.
func finalOutput(raw json.RawMessage) *handler.Result {
	raw = bytes.TrimSpace(raw)
	noOutput := &handler.Result{Error: "No output"}
	if len(raw) == 0 || string(raw) == "null" {
		return noOutput
	}

	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
			return noOutput
		}
		for i := len(items) - 1; i >= 0; i-- {
			if r := decodeResult(items[i]); r != nil && (len(r.Images) > 0 || r.Error != "") {
				return r
			}
		}
		return noOutput
	}

	if r := decodeResult(raw); r != nil && (len(r.Images) > 0 || r.Error != "") {
		return r
	}
	return noOutput
}

func decodeResult(raw json.RawMessage) *handler.Result {
	r := &handler.Result{}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil
	}
	return r
}

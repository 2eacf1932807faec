package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/evandcoleman/runpod-comfyui-serverless/graphapi"
)

/*
routes used by this package:

@routes.get("/system_stats")
@routes.get("/history/{prompt_id}")
@routes.get("/view")
@routes.get("/ws")

@routes.post("/prompt")
@routes.post("/interrupt")
@routes.post("/upload/image")
*/

// StatusError is returned for an unexpected HTTP status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (c *ComfyClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.httpclient.Do(req)
}

func (c *ComfyClient) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/system_stats", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	//nolint:errcheck // drain so the connection is reused
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Method: http.MethodGet, Path: "/system_stats", StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/system_stats", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: http.MethodGet, Path: "/system_stats", StatusCode: resp.StatusCode, Body: string(body)}
	}

	retv := &SystemStats{}
	if err := json.Unmarshal(body, retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// QueuePrompt submits an API-format workflow under the client's id.
// A non-200 answer is returned as *PromptRejectedError with the body untouched.
func (c *ComfyClient) QueuePrompt(ctx context.Context, workflow graphapi.Workflow) (*QueueItem, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	data, err := json.Marshal(graphapi.Prompt{ClientID: c.clientid, Nodes: workflow})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/prompt", bytes.NewReader(data), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		// mmm-k, it is usually one of these:
		// {"error": {"type": "prompt_no_outputs",
		//				"message": "Prompt has no outputs",
		//				"details": "",
		//				"extra_info": {}
		//			  },
		// "node_errors": {}
		// }
		perr := &PromptRejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if detail, ok := perr.Detail(); ok {
			c.logger.Warn("prompt rejected",
				zap.String("type", detail.Error.Type),
				zap.String("message", detail.Error.Message),
			)
		}
		return nil, perr
	}

	item := &QueueItem{}
	if err := json.Unmarshal(body, item); err != nil {
		return nil, fmt.Errorf("decoding prompt response: %w", err)
	}
	if item.PromptID == "" {
		return nil, ErrMissingPromptID
	}

	c.logger.Info("prompt queued", zap.String("prompt_id", item.PromptID), zap.Int("number", item.Number))
	return item, nil
}

// GetPromptHistory returns the history entry of one prompt. A prompt the server
// does not know yields an entry without outputs.
func (c *ComfyClient) GetPromptHistory(ctx context.Context, promptID string) (*PromptHistoryItem, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	path := "/history/" + url.PathEscape(promptID)
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: http.MethodGet, Path: path, StatusCode: resp.StatusCode, Body: string(body)}
	}

	history := make(map[string]PromptHistoryItem)
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, err
	}

	item := history[promptID]
	item.PromptID = promptID
	return &item, nil
}

// GetImage fetches the raw bytes of an output file through /view
func (c *ComfyClient) GetImage(ctx context.Context, image_data DataOutput) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.viewTimeout)
	defer cancel()

	imageType := image_data.Type
	if imageType == "" {
		imageType = string(OutputImageType)
	}

	params := url.Values{}
	params.Add("filename", image_data.Filename)
	params.Add("subfolder", image_data.Subfolder)
	params.Add("type", imageType)

	resp, err := c.do(ctx, http.MethodGet, "/view?"+params.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: http.MethodGet, Path: "/view", StatusCode: resp.StatusCode}
	}
	return body, nil
}

// Interrupt stops the prompt the server is currently executing.
func (c *ComfyClient) Interrupt(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, "/interrupt", strings.NewReader("{}"), "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	//nolint:errcheck // body is not used
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Method: http.MethodPost, Path: "/interrupt", StatusCode: resp.StatusCode}
	}
	return nil
}

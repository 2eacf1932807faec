package client_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evandcoleman/runpod-comfyui-serverless/client"
	"github.com/evandcoleman/runpod-comfyui-serverless/internal/fakecomfy"
)

func TestWaitReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		notReadyFor int
		attempts    int
		want        bool
		wantNotify  []int
	}{
		{name: "ready at once", notReadyFor: 0, attempts: 5, want: true},
		{name: "ready after retries", notReadyFor: 2, attempts: 5, want: true, wantNotify: []int{1, 2}},
		{name: "never ready", notReadyFor: 10, attempts: 3, want: false, wantNotify: []int{1, 2, 3}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := fakecomfy.New(func(s *fakecomfy.Server) {
				s.NotReadyFor = tt.notReadyFor
			})
			defer srv.Close()

			c := client.NewComfyClient(srv.URL, nil)
			var notified []int
			got := c.WaitReady(context.Background(), tt.attempts, time.Millisecond, func(attempt int, _ error) {
				notified = append(notified, attempt)
			})

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantNotify, notified)
		})
	}
}

func TestWaitReady_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := client.NewComfyClient(url, nil)
	assert.False(t, c.WaitReady(context.Background(), 2, time.Millisecond, nil))
}

func TestQueuePrompt(t *testing.T) {
	t.Parallel()

	srv := fakecomfy.New(func(s *fakecomfy.Server) {
		s.PromptID = "abc"
	})
	defer srv.Close()

	c := client.NewComfyClient(srv.URL, nil)
	item, err := c.QueuePrompt(context.Background(), testWorkflow(t))
	require.NoError(t, err)
	assert.Equal(t, "abc", item.PromptID)
	assert.Equal(t, 1, item.Number)

	assert.Equal(t, []string{c.ClientID()}, srv.ClientIDs())

	prompts := srv.Prompts()
	require.Len(t, prompts, 1)
	var sent map[string]map[string]any
	require.NoError(t, json.Unmarshal(prompts[0], &sent))
	assert.Len(t, sent, 3)
	assert.Equal(t, "KSampler", sent["B"]["class_type"])
}

func TestQueuePrompt_Rejected(t *testing.T) {
	t.Parallel()

	body := `{"error": {"type": "prompt_no_outputs", "message": "Prompt has no outputs", "details": "", "extra_info": {}}, "node_errors": {}}`

	srv := fakecomfy.New(func(s *fakecomfy.Server) {
		s.RejectStatus = http.StatusBadRequest
		s.RejectBody = body
	})
	defer srv.Close()

	c := client.NewComfyClient(srv.URL, nil)
	_, err := c.QueuePrompt(context.Background(), testWorkflow(t))
	require.Error(t, err)

	var rejected *client.PromptRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)
	assert.Equal(t, "ComfyUI rejected workflow: "+body, err.Error())

	detail, ok := rejected.Detail()
	require.True(t, ok)
	assert.Equal(t, "prompt_no_outputs", detail.Error.Type)
}

func TestQueuePrompt_MissingPromptID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"number": 3}`))
	}))
	defer srv.Close()

	c := client.NewComfyClient(srv.URL, nil)
	_, err := c.QueuePrompt(context.Background(), testWorkflow(t))
	assert.ErrorIs(t, err, client.ErrMissingPromptID)
}

func TestGetPromptHistory(t *testing.T) {
	t.Parallel()

	srv := fakecomfy.New(func(s *fakecomfy.Server) {
		s.Outputs = map[string]any{
			"9": map[string]any{
				"images": []map[string]string{{"filename": "out_00001_.png", "subfolder": "", "type": "output"}},
			},
			"12": map[string]any{
				"gifs": []map[string]string{{"filename": "clip.webp", "subfolder": "video", "type": "output"}},
			},
			"14": map[string]any{
				"text": []string{"hello"},
			},
		}
	})
	defer srv.Close()

	c := client.NewComfyClient(srv.URL, nil)
	item, err := c.GetPromptHistory(context.Background(), "prompt-1")
	require.NoError(t, err)
	assert.Equal(t, "prompt-1", item.PromptID)
	require.Len(t, item.Outputs, 3)
	assert.Equal(t, "out_00001_.png", item.Outputs["9"].Files()[0].Filename)
	assert.Equal(t, "video", item.Outputs["12"].Files()[0].Subfolder)
	assert.Empty(t, item.Outputs["14"].Files())

	missing, err := c.GetPromptHistory(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, missing.Outputs)
}

func TestGetImage(t *testing.T) {
	t.Parallel()

	srv := fakecomfy.New(func(s *fakecomfy.Server) {
		s.Files["out.png"] = []byte("png-bytes")
	})
	defer srv.Close()

	c := client.NewComfyClient(srv.URL, nil)
	data, err := c.GetImage(context.Background(), client.DataOutput{Filename: "out.png", Subfolder: "sub"})
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, []string{"filename=out.png&subfolder=sub&type=output"}, srv.Views())

	_, err = c.GetImage(context.Background(), client.DataOutput{Filename: "missing.png", Type: "temp"})
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestUploadImages(t *testing.T) {
	t.Parallel()

	srv := fakecomfy.New()
	defer srv.Close()

	c := client.NewComfyClient(srv.URL, nil)
	err := c.UploadImages(context.Background(), []client.InputImage{
		{Name: "a.png", Image: base64.StdEncoding.EncodeToString([]byte("first"))},
		{Name: "b.png", Image: "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("second"))},
	})
	require.NoError(t, err)

	uploads := srv.Uploads()
	require.Len(t, uploads, 2)
	assert.Equal(t, "a.png", uploads[0].Name)
	assert.Equal(t, []byte("first"), uploads[0].Data)
	assert.Equal(t, "input", uploads[0].Type)
	assert.Equal(t, "true", uploads[0].Overwrite)
	assert.Equal(t, []byte("second"), uploads[1].Data)
}

func TestUploadImages_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	srv := fakecomfy.New()
	defer srv.Close()

	c := client.NewComfyClient(srv.URL, nil)
	err := c.UploadImages(context.Background(), []client.InputImage{
		{Name: "a.png", Image: base64.StdEncoding.EncodeToString([]byte("first"))},
		{Name: "b.png", Image: "not base64!"},
		{Name: "c.png", Image: base64.StdEncoding.EncodeToString([]byte("third"))},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `images[1] "b.png"`)
	assert.Len(t, srv.Uploads(), 1)
}

func TestUploadImages_ServerError(t *testing.T) {
	t.Parallel()

	srv := fakecomfy.New(func(s *fakecomfy.Server) {
		s.FailUploads = true
	})
	defer srv.Close()

	c := client.NewComfyClient(srv.URL, nil)
	err := c.UploadImages(context.Background(), []client.InputImage{
		{Name: "d.png", Image: base64.StdEncoding.EncodeToString([]byte("x"))},
	})
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
}

func TestInterrupt(t *testing.T) {
	t.Parallel()

	srv := fakecomfy.New()
	defer srv.Close()

	c := client.NewComfyClient(srv.URL, nil)
	require.NoError(t, c.Interrupt(context.Background()))
	assert.Equal(t, 1, srv.Interrupts())
}

func TestGetSystemStats(t *testing.T) {
	t.Parallel()

	srv := fakecomfy.New()
	defer srv.Close()

	c := client.NewComfyClient(srv.URL+"/", nil)
	assert.Equal(t, srv.URL, c.BaseURL())

	stats, err := c.GetSystemStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "posix", stats.System.OS)
	require.Len(t, stats.Devices, 1)
	assert.Equal(t, "cuda", stats.Devices[0].Type)
	assert.Equal(t, int64(23580639232), stats.Devices[0].VRAM_Total)
}

func TestNewComfyClient_FreshIDs(t *testing.T) {
	t.Parallel()

	a := client.NewComfyClient("http://127.0.0.1:8188", nil)
	b := client.NewComfyClient("http://127.0.0.1:8188", nil)
	assert.NotEmpty(t, a.ClientID())
	assert.NotEqual(t, a.ClientID(), b.ClientID())
}

func TestExecutionTimeoutError(t *testing.T) {
	t.Parallel()

	err := &client.ExecutionTimeoutError{Timeout: 600 * time.Second}
	assert.Equal(t, "Workflow did not complete within 600s", err.Error())
	assert.True(t, errors.Is(err, client.ErrExecutionTimeout))

	err = &client.ExecutionTimeoutError{Timeout: 1500 * time.Millisecond}
	assert.Equal(t, "Workflow did not complete within 1.5s", err.Error())
}

func TestExecutionError_DefaultMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ComfyUI execution error: Unknown error", (&client.ExecutionError{}).Error())
	assert.Equal(t, "ComfyUI execution error: boom", (&client.ExecutionError{ExceptionMessage: "boom"}).Error())
}

package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evandcoleman/runpod-comfyui-serverless/client"
)

type fakeOutputs struct {
	history *client.PromptHistoryItem
	files   map[string][]byte
	fetched []client.DataOutput
}

func (f *fakeOutputs) GetPromptHistory(_ context.Context, promptID string) (*client.PromptHistoryItem, error) {
	if f.history == nil {
		return nil, errors.New("history unavailable")
	}
	item := *f.history
	item.PromptID = promptID
	return &item, nil
}

func (f *fakeOutputs) GetImage(_ context.Context, output client.DataOutput) ([]byte, error) {
	f.fetched = append(f.fetched, output)
	data, ok := f.files[output.Filename]
	if !ok {
		return nil, &client.StatusError{Method: "GET", Path: "/view", StatusCode: 404}
	}
	return data, nil
}

type staticStore struct {
	puts map[string][]byte
}

func (s *staticStore) Put(_ context.Context, filename string, data []byte) (string, error) {
	if s.puts == nil {
		s.puts = make(map[string][]byte)
	}
	s.puts[filename] = data
	return fmt.Sprintf("https://bucket.s3.us-east-1.amazonaws.com/%s", filename), nil
}

func newFakeOutputs() *fakeOutputs {
	return &fakeOutputs{
		history: &client.PromptHistoryItem{
			Outputs: map[string]client.NodeOutput{
				"9": {Images: []client.DataOutput{
					{Filename: "a.png", Type: "output"},
					{Filename: "b.webp", Subfolder: "batch", Type: "output"},
				}},
				"12": {Gifs: []client.DataOutput{{Filename: "clip.gif", Type: "output"}}},
				"15": {},
			},
		},
		files: map[string][]byte{
			"a.png":    []byte("AAA"),
			"b.webp":   []byte("BBB"),
			"clip.gif": []byte("GIF"),
		},
	}
}

func filenames(artifacts []Artifact) []string {
	names := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		names = append(names, a.Filename)
	}
	return names
}

func TestCollector_Inline(t *testing.T) {
	t.Parallel()

	source := newFakeOutputs()
	artifacts, err := NewCollector(source, nil, nil).Collect(context.Background(), "p1")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.png", "b.webp", "clip.gif"}, filenames(artifacts))
	for _, a := range artifacts {
		assert.Empty(t, a.URL)
		data, err := base64.StdEncoding.DecodeString(a.Data)
		require.NoError(t, err)
		assert.Equal(t, source.files[a.Filename], data)
	}

	assert.Contains(t, source.fetched, client.DataOutput{Filename: "b.webp", Subfolder: "batch", Type: "output"})
}

func TestCollector_Store(t *testing.T) {
	t.Parallel()

	store := &staticStore{}
	artifacts, err := NewCollector(newFakeOutputs(), store, nil).Collect(context.Background(), "p1")
	require.NoError(t, err)

	require.Len(t, artifacts, 3)
	for _, a := range artifacts {
		assert.Empty(t, a.Data)
		assert.Equal(t, "https://bucket.s3.us-east-1.amazonaws.com/"+a.Filename, a.URL)
	}
	assert.Equal(t, []byte("GIF"), store.puts["clip.gif"])
}

func TestCollector_Idempotent(t *testing.T) {
	t.Parallel()

	source := newFakeOutputs()
	store := &staticStore{}
	collector := NewCollector(source, store, nil)

	first, err := collector.Collect(context.Background(), "p1")
	require.NoError(t, err)
	second, err := collector.Collect(context.Background(), "p1")
	require.NoError(t, err)

	assert.ElementsMatch(t, filenames(first), filenames(second))
}

func TestCollector_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewCollector(&fakeOutputs{}, nil, nil).Collect(context.Background(), "p1")
	assert.ErrorContains(t, err, "history unavailable")

	source := newFakeOutputs()
	delete(source.files, "b.webp")
	_, err = NewCollector(source, nil, nil).Collect(context.Background(), "p1")
	assert.ErrorContains(t, err, "fetching b.webp")
}

func TestCollector_Empty(t *testing.T) {
	t.Parallel()

	source := &fakeOutputs{history: &client.PromptHistoryItem{}}
	artifacts, err := NewCollector(source, nil, nil).Collect(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestCollector_EmptyInlineFileKeepsData(t *testing.T) {
	t.Parallel()

	source := &fakeOutputs{
		history: &client.PromptHistoryItem{Outputs: map[string]client.NodeOutput{
			"9": {Images: []client.DataOutput{{Filename: "empty.png", Type: "output"}}},
		}},
		files: map[string][]byte{"empty.png": {}},
	}
	artifacts, err := NewCollector(source, nil, nil).Collect(context.Background(), "p1")
	require.NoError(t, err)

	data, err := json.Marshal(artifacts)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"filename": "empty.png", "data": ""}]`, string(data))
}

func TestArtifact_MarshalJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Artifact{Filename: "a.png", URL: "https://bucket/a.png"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"filename": "a.png", "url": "https://bucket/a.png"}`, string(data))

	data, err = json.Marshal(Artifact{Filename: "b.png", Data: "QQ=="})
	require.NoError(t, err)
	assert.JSONEq(t, `{"filename": "b.png", "data": "QQ=="}`, string(data))
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evandcoleman/runpod-comfyui-serverless/client"
	"github.com/evandcoleman/runpod-comfyui-serverless/handler"
)

func TestSaveImages(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	var log bytes.Buffer

	saved, err := saveImages(&log, &handler.Result{Images: []handler.Artifact{
		{Filename: "a.png", Data: "aGVsbG8="},
		{Filename: "b.png", URL: "https://bucket.s3.us-east-1.amazonaws.com/b.png"},
		{Filename: "../c.png", Data: "d29ybGQ="},
	}}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "c.png")}, saved)

	data, err := os.ReadFile(filepath.Join(dir, "c.png"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
	assert.Contains(t, log.String(), "b.png: https://bucket.s3.us-east-1.amazonaws.com/b.png")
}

func TestSaveImages_Empty(t *testing.T) {
	t.Parallel()

	var log bytes.Buffer
	saved, err := saveImages(&log, &handler.Result{}, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, saved)
	assert.Equal(t, "No images in output.\n", log.String())
}

func TestSaveImages_BadData(t *testing.T) {
	t.Parallel()

	var log bytes.Buffer
	_, err := saveImages(&log, &handler.Result{Images: []handler.Artifact{{Filename: "a.png", Data: "!!"}}}, t.TempDir())
	assert.ErrorContains(t, err, "decoding a.png")
}

func TestPrinter(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := newPrinter(&out)

	p.chunk(handler.Chunk{ProgressEvent: &client.ProgressEvent{Status: client.StatusWaiting, Message: "ComfyUI server ready"}})
	p.chunk(handler.Chunk{ProgressEvent: &client.ProgressEvent{Status: client.StatusRunning, Node: "3", Progress: client.Int(1), Max: client.Int(4)}})
	p.chunk(handler.Chunk{ProgressEvent: &client.ProgressEvent{Status: client.StatusRunning, Node: "3", Progress: client.Int(4), Max: client.Int(4)}})
	require.NotNil(t, p.bar)

	p.chunk(handler.Chunk{ProgressEvent: &client.ProgressEvent{Status: client.StatusCollecting}})
	assert.Nil(t, p.bar)
	p.chunk(handler.Chunk{Result: &handler.Result{Error: "boom"}})

	assert.Contains(t, out.String(), "ComfyUI server ready")
	assert.Contains(t, out.String(), "Node 3")
	assert.Contains(t, out.String(), "collecting")
}

func TestLoadImages(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "face.jpg")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	images, err := loadImages([]string{"input.jpg=" + path, path})
	require.NoError(t, err)
	assert.Equal(t, []client.InputImage{
		{Name: "input.jpg", Image: "aGVsbG8="},
		{Name: "face.jpg", Image: "aGVsbG8="},
	}, images)

	_, err = loadImages([]string{"x=" + filepath.Join(dir, "missing.jpg")})
	assert.Error(t, err)
}

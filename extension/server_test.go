package extension

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evandcoleman/runpod-comfyui-serverless/config"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	return NewServer(&config.Extension{Addr: "127.0.0.1:0", OutputDir: dir}, nil), dir
}

func save(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/runpod/save", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return rec, payload
}

func TestHandleSave_Base64(t *testing.T) {
	t.Parallel()

	s, dir := newTestServer(t)

	rec, payload := save(t, s, `{"filename": "render.png", "data": "aGVsbG8="}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "render.png", payload["filename"])
	assert.Equal(t, filepath.Join(dir, "render.png"), payload["path"])

	data, err := os.ReadFile(payload["path"])
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestHandleSave_Collisions(t *testing.T) {
	t.Parallel()

	s, dir := newTestServer(t)

	var names []string
	for i := 0; i < 3; i++ {
		rec, payload := save(t, s, `{"filename": "render.png", "data": "aGVsbG8="}`)
		require.Equal(t, http.StatusOK, rec.Code)
		names = append(names, payload["filename"])
	}
	assert.Equal(t, []string{"render.png", "render_1.png", "render_2.png"}, names)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestHandleSave_FilenameDefaultsAndTraversal(t *testing.T) {
	t.Parallel()

	s, dir := newTestServer(t)

	_, payload := save(t, s, `{"data": "aGVsbG8="}`)
	assert.Equal(t, "output.png", payload["filename"])

	_, payload = save(t, s, `{"filename": "../../etc/evil.png", "data": "aGVsbG8="}`)
	assert.Equal(t, "evil.png", payload["filename"])
	assert.Equal(t, filepath.Join(dir, "evil.png"), payload["path"])
}

func TestHandleSave_URL(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer upstream.Close()

	s, _ := newTestServer(t)

	rec, payload := save(t, s, `{"filename": "remote.png", "url": "`+upstream.URL+`/a.png"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data, err := os.ReadFile(payload["path"])
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))

	rec, payload = save(t, s, `{"filename": "remote.png", "url": "`+upstream.URL+`/missing.png"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Failed to download from URL: 404", payload["error"])
}

func TestHandleSave_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "no image", body: `{"filename": "x.png"}`, want: "No image data or URL provided"},
		{name: "empty strings", body: `{"data": "", "url": ""}`, want: "No image data or URL provided"},
		{name: "invalid json", body: `{`, want: "Invalid JSON body"},
		{name: "invalid base64", body: `{"data": "!!!"}`, want: "Invalid base64 image data"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, dir := newTestServer(t)
			rec, payload := save(t, s, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, payload["error"])

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestHandleSave_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runpod/save", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

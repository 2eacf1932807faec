// Package extension serves the routes a ComfyUI host application calls to
// bring remote results back into its own output directory.
package extension

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/evandcoleman/runpod-comfyui-serverless/config"
)

const (
	defaultFilename = "output.png"
	downloadTimeout = 60 * time.Second
)

var errNoImage = errors.New("No image data or URL provided")

// SaveRequest is the body of POST /runpod/save. Data wins over URL when both are set.
type SaveRequest struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
	URL      string `json:"url"`
}

// SaveResponse names the file that was written.
type SaveResponse struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// Server writes images posted by the host application into an output directory.
type Server struct {
	outputDir  string
	httpclient *http.Client
	logger     *zap.Logger
	router     *mux.Router
	srv        *http.Server
}

// NewServer creates the save route server from cfg.
func NewServer(cfg *config.Extension, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		outputDir:  cfg.OutputDir,
		httpclient: &http.Client{Timeout: downloadTimeout},
		logger:     logger,
		router:     mux.NewRouter(),
	}
	s.router.HandleFunc("/runpod/save", s.HandleSave).Methods(http.MethodPost)
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, e.g. for mounting under another server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("serving save route", zap.String("addr", s.srv.Addr), zap.String("output_dir", s.outputDir))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) HandleSave(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req SaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Data == "" && req.URL == "" {
		respondWithError(w, http.StatusBadRequest, errNoImage.Error())
		return
	}

	var data []byte
	if req.Data != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid base64 image data")
			return
		}
		data = decoded
	} else {
		fetched, status, err := s.download(r.Context(), req.URL)
		if err != nil {
			s.logger.Error("downloading image", zap.String("url", req.URL), zap.Error(err))
			respondWithError(w, http.StatusBadGateway, fmt.Sprintf("Failed to download from URL: %v", err))
			return
		}
		if status != http.StatusOK {
			respondWithError(w, http.StatusBadGateway, fmt.Sprintf("Failed to download from URL: %d", status))
			return
		}
		data = fetched
	}

	path, err := s.write(req.Filename, data)
	if err != nil {
		s.logger.Error("saving image", zap.String("filename", req.Filename), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to save image")
		return
	}

	s.logger.Info("image saved", zap.String("path", path), zap.Int("bytes", len(data)))
	respondWithJSON(w, http.StatusOK, SaveResponse{Filename: filepath.Base(path), Path: path})
}

func (s *Server) download(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.httpclient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

// write stores data under a name that does not overwrite an existing file.
func (s *Server) write(filename string, data []byte) (string, error) {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", err
	}

	name := filepath.Base(filename)
	if filename == "" || name == "." || name == string(filepath.Separator) {
		name = defaultFilename
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(s.outputDir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

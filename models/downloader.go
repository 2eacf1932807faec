package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/evandcoleman/runpod-comfyui-serverless/config"
)

const downloadTimeout = 300 * time.Second

// Downloader fetches manifest files into the models directory.
type Downloader struct {
	modelsDir   string
	urlTemplate string
	token       string
	httpclient  *http.Client
	progress    io.Writer
	logger      *zap.Logger
}

// NewDownloader creates a downloader from cfg. Progress bars are written to
// progress; a nil writer disables them.
func NewDownloader(cfg *config.Models, progress io.Writer, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		modelsDir:   cfg.ModelsDir,
		urlTemplate: cfg.URLTemplate,
		token:       cfg.HFToken,
		httpclient:  &http.Client{Timeout: downloadTimeout},
		progress:    progress,
		logger:      logger,
	}
}

// URL is where file of repo is downloaded from.
func (d *Downloader) URL(repo, file string) string {
	return strings.NewReplacer("{repo}", repo, "{path}", file).Replace(d.urlTemplate)
}

// Destination is where file ends up: <models dir>/<dest>/<base name of path>.
func (d *Downloader) Destination(f File) string {
	return filepath.Join(d.modelsDir, f.Dest, path.Base(f.Path))
}

// Download fetches every file in m, skipping files already present. It stops at the first failure.
func (d *Downloader) Download(ctx context.Context, m *Manifest) error {
	if len(m.Models) == 0 {
		d.logger.Info("no models defined in manifest")
		return nil
	}
	if d.token != "" {
		d.logger.Info("using Hugging Face auth token")
	}

	for _, model := range m.Models {
		for _, f := range model.Files {
			dest := d.Destination(f)
			if err := d.fetch(ctx, d.URL(model.Repo, f.Path), dest); err != nil {
				return fmt.Errorf("Failed to download %s: %w", path.Base(f.Path), err)
			}
		}
	}

	d.logger.Info("all models downloaded", zap.Int("files", m.FileCount()))
	return nil
}

func (d *Downloader) fetch(ctx context.Context, url, dest string) error {
	logger := d.logger.With(zap.String("dest", dest))

	if _, err := os.Stat(dest); err == nil {
		logger.Info("skipping existing file")
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	logger.Info("downloading", zap.String("url", url))
	resp, err := d.httpclient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %d %s", url, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var w io.Writer = out
	if d.progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(d.progress),
			progressbar.OptionSetDescription(filepath.Base(dest)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}

	logger.Info("download complete")
	return nil
}

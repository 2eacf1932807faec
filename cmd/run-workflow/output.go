package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/evandcoleman/runpod-comfyui-serverless/handler"
)

// printer renders streamed chunks for a terminal: one line per phase or node,
// and a progress bar while a node reports sampling steps.
type printer struct {
	w     io.Writer
	start time.Time
	bar   *progressbar.ProgressBar
	node  string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, start: time.Now()}
}

func (p *printer) chunk(c handler.Chunk) {
	if c.ProgressEvent == nil {
		return
	}
	ev := c.ProgressEvent

	if ev.Progress != nil && ev.Max != nil && *ev.Max > 0 {
		if p.bar == nil || p.node != ev.Node {
			p.finishBar()
			p.node = ev.Node
			p.bar = progressbar.NewOptions(*ev.Max,
				progressbar.OptionSetWriter(p.w),
				progressbar.OptionSetDescription(fmt.Sprintf("  Node %s", ev.Node)),
				progressbar.OptionShowCount(),
			)
		}
		_ = p.bar.Set(*ev.Progress)
		return
	}

	p.finishBar()
	elapsed := time.Since(p.start).Seconds()
	switch {
	case ev.Message != "":
		fmt.Fprintf(p.w, "  [%.0fs] %s\n", elapsed, ev.Message)
	case ev.Status != "":
		fmt.Fprintf(p.w, "  [%.0fs] %s\n", elapsed, ev.Status)
	}
}

func (p *printer) finishBar() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	fmt.Fprintln(p.w)
	p.bar = nil
	p.node = ""
}

// saveImages writes inline images into dir and lists the remote ones. It
// returns the paths written.
func saveImages(w io.Writer, result *handler.Result, dir string) ([]string, error) {
	if len(result.Images) == 0 {
		fmt.Fprintln(w, "No images in output.")
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var saved []string
	for _, img := range result.Images {
		name := filepath.Base(img.Filename)
		if img.Filename == "" {
			name = "output.png"
		}

		switch {
		case img.URL != "":
			fmt.Fprintf(w, "  %s: %s\n", name, img.URL)
		case img.Data != "":
			data, err := base64.StdEncoding.DecodeString(img.Data)
			if err != nil {
				return saved, fmt.Errorf("decoding %s: %w", name, err)
			}
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return saved, err
			}
			fmt.Fprintf(w, "  Saved: %s (%d bytes)\n", path, len(data))
			saved = append(saved, path)
		}
	}
	return saved, nil
}

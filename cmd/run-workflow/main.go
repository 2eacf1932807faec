// Command run-workflow submits a ComfyUI workflow to a RunPod endpoint,
// shows its progress and saves the produced images.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/evandcoleman/runpod-comfyui-serverless/client"
	"github.com/evandcoleman/runpod-comfyui-serverless/config"
	"github.com/evandcoleman/runpod-comfyui-serverless/graphapi"
	"github.com/evandcoleman/runpod-comfyui-serverless/handler"
	loggerpkg "github.com/evandcoleman/runpod-comfyui-serverless/logger"
	"github.com/evandcoleman/runpod-comfyui-serverless/runpod"
)

const cancelTimeout = 10 * time.Second

var errJobFailed = errors.New("job failed")

type cli struct {
	cfg *config.Remote
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().StringP("output-dir", "o", "./output", "directory to save output images")
	cmd.Flags().String("endpoint", "", "RunPod endpoint URL (or set RUNPOD_ENDPOINT)")
	cmd.Flags().String("api-key", "", "RunPod API key (or set RUNPOD_API_KEY)")
	cmd.Flags().String("env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.Flags().StringArray("image", nil, "input image as name=path, repeatable")
	cmd.Flags().Bool("sync", false, "submit through /runsync")
	cmd.Flags().Duration("poll-timeout", 0, "how long to wait for results (overrides RUNPOD_POLL_TIMEOUT)")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(_ *cobra.Command, _ []string) error {
	// a missing dotenv file is fine
	if err := godotenv.Load(viper.GetString("env-file")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	cfg, err := config.InitRemoteConfig()
	if err != nil {
		return err
	}
	if endpoint := viper.GetString("endpoint"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if key := viper.GetString("api-key"); key != "" {
		cfg.APIKey = key
	}
	if timeout := viper.GetDuration("poll-timeout"); timeout > 0 {
		cfg.PollTimeout = timeout
	}

	if cfg.APIKey == "" {
		return errors.New("Provide --api-key or set RUNPOD_API_KEY")
	}
	if cfg.Endpoint == "" {
		return errors.New("Provide --endpoint or set RUNPOD_ENDPOINT")
	}
	c.cfg = cfg
	return nil
}

// loadWorkflow reads an API-format workflow from JSON, or from the prompt
// embedded in a PNG that ComfyUI saved.
func loadWorkflow(path string) (graphapi.Workflow, error) {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return client.NewWorkflowFromPNGFile(path)
	}
	return graphapi.NewWorkflowFromJsonFile(path)
}

func loadImages(specs []string) ([]client.InputImage, error) {
	images := make([]client.InputImage, 0, len(specs))
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, "=")
		if !ok {
			path = spec
			name = filepath.Base(spec)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		images = append(images, client.InputImage{Name: name, Image: base64.StdEncoding.EncodeToString(data)})
	}
	return images, nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	logger, err := loggerpkg.New(c.cfg.LogLevel, c.cfg.Development())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	stderr := cmd.ErrOrStderr()

	workflow, err := loadWorkflow(args[0])
	if err != nil {
		return err
	}
	specs, err := cmd.Flags().GetStringArray("image")
	if err != nil {
		return err
	}
	images, err := loadImages(specs)
	if err != nil {
		return err
	}
	input := &handler.JobInput{Workflow: workflow, Images: images}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rp := runpod.NewClient(c.cfg.Endpoint, c.cfg.APIKey, logger)
	rp.SetPolling(c.cfg.PollInterval, c.cfg.PollTimeout)
	p := newPrinter(stderr)

	fmt.Fprintf(stderr, "Submitting workflow: %s (%d nodes)\n", args[0], workflow.NodeCount())

	var result *handler.Result
	if viper.GetBool("sync") {
		result, err = rp.RunSync(ctx, input, p.chunk)
	} else {
		var jobID string
		jobID, err = rp.Submit(ctx, input)
		if err != nil {
			return err
		}
		fmt.Fprintf(stderr, "Job ID: %s\n", jobID)

		result, err = rp.Watch(ctx, jobID, p.chunk)
		if errors.Is(err, context.Canceled) {
			cancelCtx, done := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
			defer done()
			if cerr := rp.Cancel(cancelCtx, jobID); cerr != nil {
				logger.Warn("cancelling job", zap.String("job_id", jobID), zap.Error(cerr))
			} else {
				fmt.Fprintf(stderr, "Cancelled job %s\n", jobID)
			}
		}
	}
	p.finishBar()
	if err != nil {
		return err
	}

	if result.Error != "" {
		fmt.Fprintf(stderr, "Error: %s\n", result.Error)
		return errJobFailed
	}

	if _, err := saveImages(stderr, result, viper.GetString("output-dir")); err != nil {
		return err
	}

	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	return out.Encode(result)
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:           "run-workflow <workflow.json|workflow.png>",
		Short:         "Run a ComfyUI workflow on RunPod",
		Args:          cobra.ExactArgs(1),
		PreRunE:       cli.setupConfig,
		RunE:          cli.run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errJobFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

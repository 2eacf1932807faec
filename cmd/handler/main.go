// Command handler runs jobs against the local ComfyUI server. Inside a
// serverless worker (RUNPOD_WEBHOOK_GET_JOB set) it takes jobs from the
// platform until stopped. Otherwise it runs one job read from --test_input,
// from a file argument or from stdin, in the {"id": ..., "input": {...}}
// shape the platform delivers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evandcoleman/runpod-comfyui-serverless/config"
	"github.com/evandcoleman/runpod-comfyui-serverless/handler"
	loggerpkg "github.com/evandcoleman/runpod-comfyui-serverless/logger"
	"github.com/evandcoleman/runpod-comfyui-serverless/runpod"
)

const (
	// ExitOk and ExitError are the exit codes.
	ExitOk = iota
	// ExitError is the exit code for failed jobs and bad invocations.
	ExitError
)

type cli struct {
	cfg *config.Handler
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("test_input", "", "job JSON given inline")
	cmd.Flags().Bool("stream", false, "write every output chunk as a JSON line")
	cmd.Flags().String("comfyui-url", "", "ComfyUI base URL (overrides COMFYUI_URL)")
	cmd.Flags().Duration("execution-timeout", 0, "execution budget (overrides COMFYUI_EXECUTION_TIMEOUT)")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.InitHandlerConfig()
	if err != nil {
		return err
	}
	if url := viper.GetString("comfyui-url"); url != "" {
		cfg.URL = url
	}
	if timeout := viper.GetDuration("execution-timeout"); timeout > 0 {
		cfg.ExecutionTimeout = timeout
	}
	c.cfg = cfg
	return nil
}

func readJob(cmd *cobra.Command, args []string) (handler.Job, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case viper.GetString("test_input") != "":
		data = []byte(viper.GetString("test_input"))
	case len(args) > 0:
		data, err = os.ReadFile(args[0])
	default:
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return handler.Job{}, err
	}

	var job handler.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return handler.Job{}, fmt.Errorf("parsing job: %w", err)
	}
	return job, nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	logger, err := loggerpkg.New(c.cfg.LogLevel, c.cfg.Development())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = loggerpkg.WithContext(ctx, logger)

	h := handler.New(c.cfg.ComfyUI)

	// an explicit job always wins over the platform queue
	if c.cfg.Serverless() && viper.GetString("test_input") == "" && len(args) == 0 {
		return runpod.NewWorker(c.cfg.Worker, h, logger).Run(ctx)
	}

	job, err := readJob(cmd, args)
	if err != nil {
		return err
	}
	return execute(ctx, h, job, cmd.OutOrStdout(), viper.GetBool("stream"))
}

// execute runs job and writes its output to w: the Result, or with stream
// every chunk as one JSON line. A failed job yields errJobFailed.
func execute(ctx context.Context, runner runpod.JobRunner, job handler.Job, w io.Writer, stream bool) error {
	out := json.NewEncoder(w)
	var emit func(handler.Chunk)
	if stream {
		emit = func(chunk handler.Chunk) {
			_ = out.Encode(chunk)
		}
	}

	result := runner.HandleJob(ctx, job, emit)
	if emit == nil {
		if err := out.Encode(result); err != nil {
			return err
		}
	}
	if result.Error != "" {
		return errJobFailed
	}
	return nil
}

// errJobFailed marks a job whose failure was already written as output.
var errJobFailed = errors.New("job failed")

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:           "handler [job.json]",
		Short:         "Run ComfyUI jobs against the local server",
		Args:          cobra.MaximumNArgs(1),
		PreRunE:       cli.setupConfig,
		RunE:          cli.run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitError)
	}

	os.Exit(exitCode(cmd.ExecuteContext(context.Background()), os.Stderr))
}

// exitCode maps the command's error to the process exit code. Job failures
// were already written as output and are not repeated on stderr.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return ExitOk
	}
	if !errors.Is(err, errJobFailed) {
		fmt.Fprintln(stderr, err)
	}
	return ExitError
}

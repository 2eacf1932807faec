// Command runpod-save serves POST /runpod/save so a host application can
// store remote results in its output directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evandcoleman/runpod-comfyui-serverless/config"
	"github.com/evandcoleman/runpod-comfyui-serverless/extension"
	loggerpkg "github.com/evandcoleman/runpod-comfyui-serverless/logger"
)

const shutdownTimeout = 10 * time.Second

type cli struct {
	cfg *config.Extension
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("addr", "", "listen address (overrides RUNPOD_SAVE_ADDR)")
	cmd.Flags().String("output-dir", "", "directory images are written to (overrides COMFYUI_OUTPUT_DIR)")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.InitExtensionConfig()
	if err != nil {
		return err
	}
	if addr := viper.GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	if dir := viper.GetString("output-dir"); dir != "" {
		cfg.OutputDir = dir
	}
	c.cfg = cfg
	return nil
}

func (c *cli) run(cmd *cobra.Command, _ []string) error {
	logger, err := loggerpkg.New(c.cfg.LogLevel, c.cfg.Development())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	srv := extension.NewServer(c.cfg, logger)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start()
	}()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	return srv.Stop(shutdownCtx)
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:          "runpod-save",
		Short:        "Serve the save route for a ComfyUI host",
		PreRunE:      cli.setupConfig,
		RunE:         cli.run,
		SilenceUsage: true,
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

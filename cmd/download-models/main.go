// Command download-models fetches the files listed in the model manifest
// into the ComfyUI models directory. Files already present are skipped.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/evandcoleman/runpod-comfyui-serverless/config"
	loggerpkg "github.com/evandcoleman/runpod-comfyui-serverless/logger"
	"github.com/evandcoleman/runpod-comfyui-serverless/models"
)

type cli struct {
	cfg *config.Models
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("manifest", "", "manifest path (overrides MODELS_MANIFEST)")
	cmd.Flags().String("models-dir", "", "models directory (overrides COMFYUI_MODELS_DIR)")
	cmd.Flags().Bool("quiet", false, "hide progress bars")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.InitModelsConfig()
	if err != nil {
		return err
	}
	if manifest := viper.GetString("manifest"); manifest != "" {
		cfg.Manifest = manifest
	}
	if dir := viper.GetString("models-dir"); dir != "" {
		cfg.ModelsDir = dir
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

	if _, err := os.Stat(c.cfg.Manifest); os.IsNotExist(err) {
		logger.Info("no manifest found, skipping model download", zap.String("manifest", c.cfg.Manifest))
		return nil
	}

	manifest, err := models.LoadManifest(c.cfg.Manifest)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	progress := cmd.ErrOrStderr()
	if viper.GetBool("quiet") {
		progress = nil
	}
	return models.NewDownloader(c.cfg, progress, logger).Download(ctx, manifest)
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:          "download-models",
		Short:        "Download the models listed in the manifest",
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

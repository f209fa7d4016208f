package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"arenajudge/internal/bootstrap"
	"arenajudge/internal/common/storage"
	"arenajudge/pkg/utils/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "configs/bootstrap.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "bootstrap <destDir>",
		Short:         "Download language runtimes for a new worker host",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, args[0])
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to config file")
	return cmd
}

func loadConfig(path string) (*bootstrap.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg bootstrap.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	return &cfg, nil
}

func run(ctx context.Context, configPath, destDir string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var objects storage.ObjectStorage
	if cfg.Storage.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(cfg.Storage)
		if err != nil {
			return err
		}
		objects = minioStorage
	}

	report, err := bootstrap.NewFetcher(*cfg, objects, log).Run(ctx, cfg.Sources, destDir)
	log.Info(ctx, "Bootstrap finished",
		zap.Int("downloaded", len(report.Downloaded)),
		zap.Strings("failed", report.Failed))
	return err
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"arenajudge/internal/worker/builder"
	"arenajudge/internal/worker/coordinator"
	"arenajudge/internal/worker/dispatcher"
	"arenajudge/internal/worker/engine"
	"arenajudge/internal/worker/pipeline"
	"arenajudge/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultCompiledRoot = "compiled"
	defaultScratchRoot  = "scratch"
	defaultMapsRoot     = "maps"
	defaultSpoolPath    = "spool.db"
)

// StorageConfig holds the on-disk roots of the worker.
type StorageConfig struct {
	CompiledRoot string `yaml:"compiledRoot"`
	ScratchRoot  string `yaml:"scratchRoot"`
	MapsRoot     string `yaml:"mapsRoot"`
}

// SpoolConfig holds the local post spool settings.
type SpoolConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AppConfig holds worker config.
type AppConfig struct {
	Logger         logger.Config                 `yaml:"logger"`
	Coordinator    coordinator.Config            `yaml:"coordinator"`
	Storage        StorageConfig                 `yaml:"storage"`
	Dispatcher     dispatcher.Config             `yaml:"dispatcher"`
	FunctionalTest pipeline.FunctionalTestConfig `yaml:"functionalTest"`
	Engine         engine.Config                 `yaml:"engine"`
	Builder        builder.Config                `yaml:"builder"`
	Spool          SpoolConfig                   `yaml:"spool"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Coordinator.BaseURL == "" {
		return nil, fmt.Errorf("coordinator baseURL is required")
	}
	if len(cfg.Builder.Languages) == 0 {
		return nil, fmt.Errorf("at least one builder language is required")
	}
	if cfg.FunctionalTest.Enabled && cfg.Engine.Command == "" {
		return nil, fmt.Errorf("engine command is required when the functional test is enabled")
	}

	// Relative roots resolve against the config file so the worker can be started from anywhere.
	base := filepath.Dir(path)
	cfg.Storage.CompiledRoot = resolve(base, cfg.Storage.CompiledRoot, defaultCompiledRoot)
	cfg.Storage.ScratchRoot = resolve(base, cfg.Storage.ScratchRoot, defaultScratchRoot)
	cfg.Storage.MapsRoot = resolve(base, cfg.Storage.MapsRoot, defaultMapsRoot)
	cfg.Spool.Path = resolve(base, cfg.Spool.Path, defaultSpoolPath)
	if cfg.FunctionalTest.ReferenceBotDir != "" {
		cfg.FunctionalTest.ReferenceBotDir = resolve(base, cfg.FunctionalTest.ReferenceBotDir, "")
	}
	if cfg.FunctionalTest.MapPath != "" {
		cfg.FunctionalTest.MapPath = resolve(base, cfg.FunctionalTest.MapPath, "")
	}
	return &cfg, nil
}

func resolve(base, path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/elements-platform/elements/registry"
)

// config is fed from ELEMENTS_-prefixed environment variables, e.g.
// ELEMENTS_LISTEN, ELEMENTS_PROBE_TIMEOUT, ELEMENTS_INVENTORY_FILE.
type config struct {
	Listen        string        `envconfig:"LISTEN" default:":8080"`
	ProbeTimeout  time.Duration `envconfig:"PROBE_TIMEOUT" default:"5s"`
	CheckSchedule string        `envconfig:"CHECK_SCHEDULE" default:"@every 30s"`
	InventoryFile string        `envconfig:"INVENTORY_FILE"`
	EnvPrefix     string        `envconfig:"ENV_PREFIX" default:"MODULE"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := envconfig.Process("ELEMENTS", &cfg); err != nil {
		return config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// buildRegistry creates the registry and bootstraps it from the
// inventory file (when configured) and the environment.
func buildRegistry(cfg config, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New(
		registry.WithProbeTimeout(cfg.ProbeTimeout),
		registry.WithLogger(logger),
	)

	if cfg.InventoryFile != "" {
		n, err := reg.LoadFile(cfg.InventoryFile)
		if err != nil {
			return nil, err
		}
		logger.Info("Modules loaded from inventory", "file", cfg.InventoryFile, "count", n)
	}

	names := reg.RegisterFromEnv(cfg.EnvPrefix)
	if len(names) > 0 {
		logger.Info("Modules discovered from environment", "prefix", cfg.EnvPrefix, "count", len(names))
	}
	return reg, nil
}

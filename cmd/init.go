package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"shardkeeper/pkg/config"

	"github.com/goccy/go-yaml"
)

// initConfig loads the YAML config at path. A missing file yields
// config.Default().
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// applyEnv lets deployments override node identity and ZooKeeper servers
// without a config file per node.
func applyEnv(cfg *config.Config) {
	if id := os.Getenv("SHARDKEEPER_NODE_ID"); id != "" {
		cfg.Node.ID = id
	}
	if addr := os.Getenv("SHARDKEEPER_NODE_ADDR"); addr != "" {
		cfg.Node.Address = addr
	}
	if servers := os.Getenv("ZK_SERVERS"); servers != "" {
		cfg.ZooKeeper.Servers = strings.Split(servers, ",")
	}
}

// initLogger sets up the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("node_id", cfg.Node.ID)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", level, "json", cfg.Logger.JSON)
}

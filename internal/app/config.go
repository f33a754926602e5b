package app

import (
	"errors"
	"fmt"
	"time"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ConfigPaths []string // .hcl files or directories

	LogFormat string
	LogLevel  string
	HTTPPort  int
	Settle    time.Duration
}

func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.ConfigPaths) == 0 {
		return nil, errors.New("at least one configuration path is required")
	}
	if cfg.HTTPPort < 0 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("http port %d is out of range", cfg.HTTPPort)
	}
	if cfg.Settle < 0 {
		return nil, fmt.Errorf("settle delay must not be negative, got %s", cfg.Settle)
	}
	return &cfg, nil
}

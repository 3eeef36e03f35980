// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads ipcd settings from a YAML file with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/ipc"
)

type Config struct {
	Name                  string        `yaml:"name" env:"IPC_NAME"`
	Transport             string        `yaml:"transport" env:"IPC_TRANSPORT"`
	Addr                  string        `yaml:"addr" env:"IPC_ADDR"`
	ThrowOnMissingHandler bool          `yaml:"throwOnMissingHandler" env:"IPC_THROW_ON_MISSING_HANDLER"`
	KeepAliveInterval     time.Duration `yaml:"keepAliveInterval" env:"IPC_KEEPALIVE_INTERVAL"`
	DrainTimeout          time.Duration `yaml:"drainTimeout" env:"IPC_DRAIN_TIMEOUT"`
	MetricsAddr           string        `yaml:"metricsAddr" env:"IPC_METRICS_ADDR"`
	GatewayAddr           string        `yaml:"gatewayAddr" env:"IPC_GATEWAY_ADDR"`
	Log                   LogConfig     `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"IPC_LOG_LEVEL"`
	Format string `yaml:"format" env:"IPC_LOG_FORMAT"`
}

func Default() Config {
	return Config{
		Name:                  "ipcd",
		Transport:             ipc.DefaultTransport,
		Addr:                  "127.0.0.1:9000",
		ThrowOnMissingHandler: true,
		KeepAliveInterval:     ipc.DefaultKeepAliveInterval,
		DrainTimeout:          5 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error; an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config env overrides: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("config: name is required")
	}
	if !ipc.HasTransport(c.Transport) {
		return fmt.Errorf("config: unknown transport %q (available: %s)", c.Transport, strings.Join(ipc.AvailableTransports(), ", "))
	}
	if c.Addr == "" {
		return errors.New("config: addr is required")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// EndpointOptions translates the config into endpoint options.
func (c Config) EndpointOptions() []ipc.Option {
	return []ipc.Option{
		ipc.WithThrowOnMissingHandler(c.ThrowOnMissingHandler),
		ipc.WithKeepAliveInterval(c.KeepAliveInterval),
	}
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("config: log level: %w", err)
	}
	return level, nil
}

// Logger builds the process logger described by l.
func (l LogConfig) Logger() *slog.Logger {
	level, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

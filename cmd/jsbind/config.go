package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration. Command line flags override it.
type Config struct {
	Engine       string        `yaml:"engine"`
	Wasm         string        `yaml:"wasm"`
	MemoryLimit  uint32        `yaml:"memory_limit"`
	MaxStackSize uint32        `yaml:"max_stack_size"`
	Pool         int           `yaml:"pool"`
	Timeout      time.Duration `yaml:"timeout"`
	Timing       bool          `yaml:"timing"`
	LogLevel     string        `yaml:"log_level"`
	History      string        `yaml:"history"`
}

func defaultConfig() Config {
	return Config{
		Engine:  "goja",
		Pool:    4,
		Timeout: 5 * time.Second,
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Engine {
	case "goja", "quickjs":
	default:
		return fmt.Errorf("unknown engine %q (want goja or quickjs)", c.Engine)
	}
	if c.Pool < 1 {
		return fmt.Errorf("pool must be at least 1, got %d", c.Pool)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// logger builds the process logger. Logging is off unless a level is set.
func (c Config) logger() (*zap.Logger, error) {
	if c.LogLevel == "" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

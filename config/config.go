// Package config loads the batch-engine configuration from a YAML file
// with environment-variable overrides. Precedence: defaults, then file,
// then environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paperflow/docbatch/dispatch"
	"github.com/paperflow/docbatch/stream"
)

// EnvPrefix namespaces the override variables, e.g. DOCBATCH_API_KEY.
const EnvPrefix = "DOCBATCH"

// Config is the full engine configuration.
type Config struct {
	Dispatcher dispatch.Config `yaml:"dispatcher"`
	Executor   stream.Config   `yaml:"executor"`
	Log        LogConfig       `yaml:"log"`
}

// LogConfig configures the zap logger of the embedding binary.
type LogConfig struct {
	Level string `yaml:"level"`
	// Development switches to the console encoder with stack traces.
	Development bool `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Dispatcher: dispatch.DefaultConfig(),
		Executor: stream.Config{
			BaseURL: "https://api.openai.com/v1",
			Timeout: 120 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (optional) and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the dispatcher cannot run with.
func (c Config) Validate() error {
	if c.Executor.BaseURL == "" {
		return fmt.Errorf("config: executor.base_url is required")
	}
	if c.Dispatcher.Workers < 0 {
		return fmt.Errorf("config: dispatcher.workers must be >= 0")
	}
	if c.Dispatcher.RequestsPerMinute < 0 {
		return fmt.Errorf("config: dispatcher.requests_per_minute must be >= 0")
	}
	if c.Dispatcher.RetryJitterMax < c.Dispatcher.RetryJitterMin {
		return fmt.Errorf("config: dispatcher.retry_jitter_max must be >= retry_jitter_min")
	}
	return nil
}

func applyEnv(cfg *Config) {
	envString(&cfg.Executor.BaseURL, "BASE_URL")
	envString(&cfg.Executor.APIKey, "API_KEY")
	envDuration(&cfg.Executor.Timeout, "TIMEOUT")
	envInt(&cfg.Dispatcher.Workers, "WORKERS")
	envInt(&cfg.Dispatcher.RequestsPerMinute, "REQUESTS_PER_MINUTE")
	envInt(&cfg.Dispatcher.MaxAttempts, "MAX_ATTEMPTS")
	envString(&cfg.Dispatcher.LogDir, "LOG_DIR")
	envString(&cfg.Log.Level, "LOG_LEVEL")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

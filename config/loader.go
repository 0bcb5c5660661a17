package config

import (
	"log/slog"
	"os"
	"strconv"
)

// Environment variable overrides, applied after file configs.
const (
	EnvServerPort       = "SERVER_PORT"
	EnvDBPath           = "DB_PATH"
	EnvMaxConcurrent    = "TASK_QUEUE_MAX_CONCURRENT"
	EnvMaxRetries       = "TASK_QUEUE_MAX_RETRIES"
	EnvDefaultTimeoutMs = "TASK_DEFAULT_TIMEOUT_MS"
	EnvChatURL          = "CHAT_URL"
	EnvNATSURL          = "NATS_URL"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Config file (when path is non-empty)
// 3. Environment variables
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", path))
		config.Merge(fileConfig)
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays environment variable overrides.
func (l *Loader) applyEnv(config *Config) {
	if v := os.Getenv(EnvServerPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		} else {
			l.logger.Warn("Ignoring invalid env override", slog.String("var", EnvServerPort), slog.String("value", v))
		}
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		config.Database.Path = v
	}
	if v := os.Getenv(EnvMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Queue.MaxConcurrent = n
		} else {
			l.logger.Warn("Ignoring invalid env override", slog.String("var", EnvMaxConcurrent), slog.String("value", v))
		}
	}
	if v := os.Getenv(EnvMaxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Queue.MaxRetries = n
		} else {
			l.logger.Warn("Ignoring invalid env override", slog.String("var", EnvMaxRetries), slog.String("value", v))
		}
	}
	if v := os.Getenv(EnvDefaultTimeoutMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Queue.DefaultTimeoutMs = n
		} else {
			l.logger.Warn("Ignoring invalid env override", slog.String("var", EnvDefaultTimeoutMs), slog.String("value", v))
		}
	}
	if v := os.Getenv(EnvChatURL); v != "" {
		config.Chat.URL = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		config.NATS.URL = v
	}
}

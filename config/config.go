// Package config provides configuration loading and management for Autopilot.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Autopilot configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Chat      ChatConfig      `yaml:"chat"`
	NATS      NATSConfig      `yaml:"nats"`
	Router    RouterConfig    `yaml:"router"`
	Memory    MemoryConfig    `yaml:"memory"`
	Providers ProvidersConfig `yaml:"providers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	// Port is the listen port for the HTTP API
	Port int `yaml:"port"`
}

// DatabaseConfig configures the SQLite store
type DatabaseConfig struct {
	// Path is the SQLite database file path
	Path string `yaml:"path"`
}

// QueueConfig configures the task queue
type QueueConfig struct {
	// MaxConcurrent bounds simultaneously running tasks
	MaxConcurrent int `yaml:"maxConcurrent"`
	// TickMs is the scheduler poll interval in milliseconds
	TickMs int `yaml:"tickMs"`
	// MaxRetries is the default retry limit per task
	MaxRetries int `yaml:"maxRetries"`
	// BackoffMs is the default base retry backoff in milliseconds
	BackoffMs int `yaml:"backoffMs"`
	// BackoffMultiplier is the default backoff growth factor
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
	// DefaultTimeoutMs bounds one task execution when the task sets none
	DefaultTimeoutMs int `yaml:"defaultTimeoutMs"`
}

// ChatConfig configures the external chat endpoint
type ChatConfig struct {
	// URL is the chat endpoint tasks are executed against
	URL string `yaml:"url"`
}

// NATSConfig configures the lifecycle event mirror
type NATSConfig struct {
	// URL is the NATS server URL (empty = mirror disabled)
	URL string `yaml:"url"`
}

// RouterConfig configures the LLM router
type RouterConfig struct {
	// LearnerIntervalMs is the self-learner cycle interval in milliseconds
	LearnerIntervalMs int `yaml:"learnerIntervalMs"`
}

// MemoryConfig configures the adaptive memory optimizer
type MemoryConfig struct {
	// OptimizerIntervalMs is the optimizer cycle interval in milliseconds
	OptimizerIntervalMs int `yaml:"optimizerIntervalMs"`
}

// ProvidersConfig configures provider credential loading
type ProvidersConfig struct {
	// File is the provider credentials YAML file (watched for changes)
	File string `yaml:"file"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "autopilot.db",
		},
		Queue: QueueConfig{
			MaxConcurrent:     1,
			TickMs:            1000,
			MaxRetries:        3,
			BackoffMs:         1000,
			BackoffMultiplier: 2.0,
			DefaultTimeoutMs:  120000,
		},
		Chat: ChatConfig{
			URL: "http://localhost:3000/chat",
		},
		NATS: NATSConfig{
			URL: "", // Mirror disabled
		},
		Router: RouterConfig{
			LearnerIntervalMs: 60000,
		},
		Memory: MemoryConfig{
			OptimizerIntervalMs: 120000,
		},
		Providers: ProvidersConfig{
			File: "providers.yaml",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.maxConcurrent must be at least 1")
	}
	if c.Queue.TickMs < 1 {
		return fmt.Errorf("queue.tickMs must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.maxRetries must not be negative")
	}
	if c.Queue.BackoffMultiplier < 1 {
		return fmt.Errorf("queue.backoffMultiplier must be at least 1")
	}
	if c.Queue.DefaultTimeoutMs < 1000 {
		return fmt.Errorf("queue.defaultTimeoutMs must be at least 1000")
	}
	if c.Chat.URL == "" {
		return fmt.Errorf("chat.url is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}
	if other.Database.Path != "" {
		c.Database.Path = other.Database.Path
	}
	if other.Queue.MaxConcurrent != 0 {
		c.Queue.MaxConcurrent = other.Queue.MaxConcurrent
	}
	if other.Queue.TickMs != 0 {
		c.Queue.TickMs = other.Queue.TickMs
	}
	if other.Queue.MaxRetries != 0 {
		c.Queue.MaxRetries = other.Queue.MaxRetries
	}
	if other.Queue.BackoffMs != 0 {
		c.Queue.BackoffMs = other.Queue.BackoffMs
	}
	if other.Queue.BackoffMultiplier != 0 {
		c.Queue.BackoffMultiplier = other.Queue.BackoffMultiplier
	}
	if other.Queue.DefaultTimeoutMs != 0 {
		c.Queue.DefaultTimeoutMs = other.Queue.DefaultTimeoutMs
	}
	if other.Chat.URL != "" {
		c.Chat.URL = other.Chat.URL
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.Router.LearnerIntervalMs != 0 {
		c.Router.LearnerIntervalMs = other.Router.LearnerIntervalMs
	}
	if other.Memory.OptimizerIntervalMs != 0 {
		c.Memory.OptimizerIntervalMs = other.Memory.OptimizerIntervalMs
	}
	if other.Providers.File != "" {
		c.Providers.File = other.Providers.File
	}
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
}

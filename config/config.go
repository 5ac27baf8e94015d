// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads durastream configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a durastream delivery session.
type Config struct {
	Producer ProducerConfig `yaml:"producer"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Storage  StorageConfig  `yaml:"storage"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Log      LogConfig      `yaml:"log"`
}

// ProducerConfig holds producer controller settings.
type ProducerConfig struct {
	// ID scopes the durable state. Empty means a generated id, which also
	// means a restart cannot resume the previous session.
	ID string `yaml:"id"`

	// Qualifier is the confirmation lane. Empty means "default".
	Qualifier string `yaml:"qualifier"`

	// StashLimit bounds messages held while the initial state load is in
	// flight. Overflow is fatal.
	StashLimit int `yaml:"stash_limit"`

	// MailboxSize is the controller mailbox capacity.
	MailboxSize int `yaml:"mailbox_size"`

	// MetricsEnabled registers OpenTelemetry instruments.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// ConsumerConfig holds consumer controller settings.
type ConsumerConfig struct {
	// FlowWindow is the demand window granted ahead of the confirmation
	// watermark.
	FlowWindow uint64 `yaml:"flow_window"`

	// ResendInterval is the keep-alive re-grant period.
	ResendInterval time.Duration `yaml:"resend_interval"`

	// AckRatePerSec bounds standalone Ack frequency.
	AckRatePerSec float64 `yaml:"ack_rate_per_sec"`

	// AckBurst is the ack rate limiter burst size.
	AckBurst int `yaml:"ack_burst"`

	MailboxSize int `yaml:"mailbox_size"`
}

// StorageConfig holds durable queue backend configuration.
type StorageConfig struct {
	// Type selects the backend: "none", "memory" or "badger".
	Type string `yaml:"type"`

	// BadgerDir is the BadgerDB data directory.
	BadgerDir string `yaml:"badger_dir"`

	// CompressionThreshold is the encoded-state size in bytes above which
	// BadgerDB values are compressed. Zero means the backend default;
	// negative disables compression.
	CompressionThreshold int `yaml:"compression_threshold"`
}

// BreakerConfig holds the durable queue circuit breaker settings.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Producer: ProducerConfig{
			Qualifier:   "default",
			StashLimit:  1024,
			MailboxSize: 256,
		},
		Consumer: ConsumerConfig{
			FlowWindow:     50,
			ResendInterval: time.Second,
			AckRatePerSec:  20,
			AckBurst:       5,
			MailboxSize:    256,
		},
		Storage: StorageConfig{
			Type:      "memory",
			BadgerDir: "./data",
		},
		Breaker: BreakerConfig{
			Enabled:          false,
			FailureThreshold: 5,
			ResetTimeout:     10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Producer.StashLimit < 1 {
		return fmt.Errorf("producer.stash_limit must be at least 1")
	}
	if c.Producer.MailboxSize < 1 {
		return fmt.Errorf("producer.mailbox_size must be at least 1")
	}

	if c.Consumer.FlowWindow < 1 {
		return fmt.Errorf("consumer.flow_window must be at least 1")
	}
	if c.Consumer.ResendInterval < 10*time.Millisecond {
		return fmt.Errorf("consumer.resend_interval must be at least 10ms")
	}

	validStorage := map[string]bool{"none": true, "memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: none, memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when storage type is badger")
	}
	if c.Storage.Type == "badger" && c.Producer.ID == "" {
		return fmt.Errorf("producer.id required when storage type is badger")
	}

	if c.Breaker.Enabled {
		if c.Breaker.FailureThreshold < 1 {
			return fmt.Errorf("breaker.failure_threshold must be at least 1")
		}
		if c.Breaker.ResetTimeout < time.Second {
			return fmt.Errorf("breaker.reset_timeout must be at least 1 second")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

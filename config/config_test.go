// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "default", cfg.Producer.Qualifier)
	assert.Equal(t, uint64(50), cfg.Consumer.FlowWindow)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.False(t, cfg.Breaker.Enabled)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/durastream.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyFilenameReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	content := `
producer:
  id: producer-7
  qualifier: orders
consumer:
  flow_window: 100
  resend_interval: 250ms
storage:
  type: badger
  badger_dir: /var/lib/durastream
breaker:
  enabled: true
  failure_threshold: 3
  reset_timeout: 5s
log:
  level: debug
  format: json
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "producer-7", cfg.Producer.ID)
	assert.Equal(t, "orders", cfg.Producer.Qualifier)
	assert.Equal(t, uint64(100), cfg.Consumer.FlowWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.Consumer.ResendInterval)
	assert.Equal(t, "badger", cfg.Storage.Type)
	assert.Equal(t, "/var/lib/durastream", cfg.Storage.BadgerDir)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, uint32(3), cfg.Breaker.FailureThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Unset fields keep their defaults.
	assert.Equal(t, 1024, cfg.Producer.StashLimit)
	assert.Equal(t, float64(20), cfg.Consumer.AckRatePerSec)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("producer: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		desc   string
		mutate func(cfg *Config)
		err    string
	}{
		{
			desc:   "zero flow window",
			mutate: func(cfg *Config) { cfg.Consumer.FlowWindow = 0 },
			err:    "consumer.flow_window",
		},
		{
			desc:   "resend interval too small",
			mutate: func(cfg *Config) { cfg.Consumer.ResendInterval = time.Millisecond },
			err:    "consumer.resend_interval",
		},
		{
			desc:   "unknown storage type",
			mutate: func(cfg *Config) { cfg.Storage.Type = "redis" },
			err:    "storage.type",
		},
		{
			desc: "badger without dir",
			mutate: func(cfg *Config) {
				cfg.Storage.Type = "badger"
				cfg.Storage.BadgerDir = ""
				cfg.Producer.ID = "producer-1"
			},
			err: "storage.badger_dir",
		},
		{
			desc: "badger without producer id",
			mutate: func(cfg *Config) {
				cfg.Storage.Type = "badger"
			},
			err: "producer.id",
		},
		{
			desc: "breaker reset timeout too small",
			mutate: func(cfg *Config) {
				cfg.Breaker.Enabled = true
				cfg.Breaker.ResetTimeout = 100 * time.Millisecond
			},
			err: "breaker.reset_timeout",
		},
		{
			desc:   "bad log level",
			mutate: func(cfg *Config) { cfg.Log.Level = "verbose" },
			err:    "log.level",
		},
		{
			desc:   "bad log format",
			mutate: func(cfg *Config) { cfg.Log.Format = "xml" },
			err:    "log.format",
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

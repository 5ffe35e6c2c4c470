package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, StoreSurreal, cfg.Store)
	assert.Equal(t, 1000, cfg.ChunkMaxSize)
	assert.Equal(t, 100, cfg.ChunkMinSize)
	assert.Equal(t, 30*time.Second, cfg.ExtractionTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DISTILL_STORE", "memory")
	t.Setenv("DISTILL_WORKERS", "12")
	t.Setenv("DISTILL_SNAPSHOT", "true")
	t.Setenv("DISTILL_EXTRACT_TIMEOUT", "5s")
	t.Setenv("DISTILL_LOG_LEVEL", "debug")
	t.Setenv("DISTILL_QUEUE_SIZE", "lots")

	cfg := Load()
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 12, cfg.Workers)
	assert.True(t, cfg.SnapshotEnabled)
	assert.Equal(t, 5*time.Second, cfg.ExtractionTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 256, cfg.QueueSize, "unparsable values fall back to the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown store", func(c *Config) { c.Store = "postgres" }, "unknown store"},
		{"min above max", func(c *Config) { c.ChunkMinSize = 2000 }, "chunk min size"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"bad port", func(c *Config) { c.ServerPort = 70000 }, "port"},
		{"bad provider", func(c *Config) { c.CaptionsEnabled = true; c.LLMProvider = "gemini" }, "LLM provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("processed", "content_id", "c1")

	assert.Contains(t, stderr.String(), "content_id=c1")
	assert.True(t, strings.HasPrefix(file.String(), "{"), "file output is JSON")
	assert.Contains(t, file.String(), `"content_id":"c1"`)
	assert.NotContains(t, stderr.String(), "hidden")
}

func TestSetupLoggerFallsBackToStderr(t *testing.T) {
	logger, cleanup := SetupLogger(t.TempDir()+"/missing/dir/distill.log", slog.LevelInfo)
	require.NotNil(t, logger)
	assert.NoError(t, cleanup())
}

func TestSetupLoggerWithoutFile(t *testing.T) {
	logger, cleanup := SetupLogger("", slog.LevelWarn)
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.NoError(t, cleanup())
}

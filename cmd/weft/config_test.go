package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.NotEmpty(t, cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.True(t, cfg.Scheduler)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("WEFT_DB_PATH", "/tmp/weft-test.db")
	t.Setenv("WEFT_LOG_LEVEL", "debug")
	t.Setenv("WEFT_POOL_SIZE", "4")
	t.Setenv("WEFT_SCHEDULER", "false")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/weft-test.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.False(t, cfg.Scheduler)
}

func TestLoadConfigBadPoolSizeIgnored(t *testing.T) {
	t.Setenv("WEFT_POOL_SIZE", "not-a-number")

	cfg := loadConfig()
	assert.Equal(t, 16, cfg.PoolSize)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

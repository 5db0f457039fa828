package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("")
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
	require.Equal(t, 24*time.Hour, cfg.CompletedRetention)
	require.True(t, cfg.SchedulerEnabled)
	require.Equal(t, "UTC", cfg.SchedulerTimezone)
	require.Equal(t, int64(25*1024*1024), cfg.MediaMaxBytes)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("VISIBILITY_TIMEOUT", "45s")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("RATE_LIMIT_CAPACITY", "7")
	t.Setenv("SLACK_CHANNEL_ALERTS", "C123")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := load("")
	require.NoError(t, err)
	require.Equal(t, "redis:6380", cfg.RedisAddr)
	require.Equal(t, 45*time.Second, cfg.VisibilityTimeout)
	require.False(t, cfg.SchedulerEnabled)
	require.Equal(t, 7, cfg.RateLimitCapacity)
	require.Equal(t, "C123", cfg.SlackChannels()["alerts"])
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: \"9000\"\nlog_level: debug\nredis_addr: file:6379\n"), 0o600))
	t.Setenv("REDIS_ADDR", "env:6379")

	cfg, err := load(path)
	require.NoError(t, err)
	require.Equal(t, "9000", cfg.HTTPPort)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "env:6379", cfg.RedisAddr, "environment wins over file")
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	_, err := load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid config")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestCompetitors(t *testing.T) {
	cfg, err := load("")
	require.NoError(t, err)
	require.Equal(t, []string{"Dream11", "MPL", "Polymarket", "Kalshi"}, cfg.Competitors())

	cfg.ResearchCompetitors = " Kalshi , ,Polymarket"
	require.Equal(t, []string{"Kalshi", "Polymarket"}, cfg.Competitors())

	cfg.ResearchCompetitors = ""
	require.Empty(t, cfg.Competitors())
}

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		original, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, original)
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t, "DATABASE_URL", "HOST", "PORT", "LOG_LEVEL", "AUTO_MIGRATE",
		"ARCHIVE_ENABLED", "ARCHIVE_DELAY_HOURS", "ABANDONED_STEP_AGE_MINUTES",
		"RUN_TIMEOUT_MINUTES", "RETRY_COOLDOWN_MINUTES", "REAPER_INTERVAL_SECONDS",
		"STORY_QUEUE_LIMIT", "NOTIFY_TIMEOUT_SECONDS", "JWT_SECRET")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "loomctl.db", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.AutoMigrate)
	assert.False(t, cfg.ArchiveEnabled)
	assert.Equal(t, 24, cfg.ArchiveDelayHours)
	assert.Equal(t, 15, cfg.AbandonedStepAgeMinutes)
	assert.Equal(t, 60, cfg.RunTimeoutMinutes)
	assert.Equal(t, 5, cfg.RetryCooldownMinutes)
	assert.Equal(t, 60, cfg.ReaperIntervalSeconds)
	assert.Equal(t, 20, cfg.StoryQueueLimit)
	assert.Equal(t, 10, cfg.NotifyTimeoutSeconds)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearEnv(t, "PORT", "LOG_LEVEL", "ARCHIVE_ENABLED", "RUN_TIMEOUT_MINUTES")
	os.Setenv("PORT", "9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("ARCHIVE_ENABLED", "true")
	os.Setenv("RUN_TIMEOUT_MINUTES", "120")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.ArchiveEnabled)
	assert.Equal(t, 120, cfg.RunTimeoutMinutes)
}

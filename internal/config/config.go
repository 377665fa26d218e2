// Package config loads runtime configuration from environment variables
// (bound through viper, with a lower-priority optional TOML file), the
// same BindEnv-then-read shape the teacher's config package uses, trimmed
// down to the env vars spec.md §6 and the Reaper/Auth Gate actually need.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config holds every environment-tunable knob the server reads at
// startup.
type Config struct {
	DatabaseURL string
	Host        string
	Port        int
	LogLevel    string
	AutoMigrate bool

	JWTSecret string

	ArchiveEnabled          bool
	ArchiveDelayHours       int
	AbandonedStepAgeMinutes int
	RunTimeoutMinutes       int
	RetryCooldownMinutes    int
	ReaperIntervalSeconds   int

	StoryQueueLimit int

	// NotifyTimeoutSeconds is loaded but not applied: the webhook notifier
	// uses its own fixed 10-second HTTP timeout.
	NotifyTimeoutSeconds int
}

// fileConfig is the optional on-disk fallback (BurntSushi/toml), read
// only for keys not already set via environment variable.
type fileConfig struct {
	DatabaseURL string `toml:"database_url"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	LogLevel    string `toml:"log_level"`
	JWTSecret   string `toml:"jwt_secret"`
}

func bindEnvVars() {
	viper.BindEnv("database_url", "DATABASE_URL")
	viper.BindEnv("host", "HOST")
	viper.BindEnv("port", "PORT")
	viper.BindEnv("log_level", "LOG_LEVEL")
	viper.BindEnv("auto_migrate", "AUTO_MIGRATE")
	viper.BindEnv("jwt_secret", "JWT_SECRET")
	viper.BindEnv("archive_enabled", "ARCHIVE_ENABLED")
	viper.BindEnv("archive_delay_hours", "ARCHIVE_DELAY_HOURS")
	viper.BindEnv("abandoned_step_age_minutes", "ABANDONED_STEP_AGE_MINUTES")
	viper.BindEnv("run_timeout_minutes", "RUN_TIMEOUT_MINUTES")
	viper.BindEnv("retry_cooldown_minutes", "RETRY_COOLDOWN_MINUTES")
	viper.BindEnv("reaper_interval_seconds", "REAPER_INTERVAL_SECONDS")
	viper.BindEnv("story_queue_limit", "STORY_QUEUE_LIMIT")
	viper.BindEnv("notify_timeout_seconds", "NOTIFY_TIMEOUT_SECONDS")
}

// Load reads configuration from the environment (and, for database_url,
// host, port, log_level and jwt_secret left unset, an optional TOML file at
// configPath; the other keys come from the environment only), applying spec.md §4.7's
// defaults for every reaper-tunable knob.
func Load(configPath string) (*Config, error) {
	bindEnvVars()

	var fc fileConfig
	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, &fc); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %q: %w", configPath, err)
		}
	}

	cfg := &Config{
		DatabaseURL: firstNonEmpty(os.Getenv("DATABASE_URL"), fc.DatabaseURL, "loomctl.db"),
		Host:        firstNonEmpty(os.Getenv("HOST"), fc.Host, "0.0.0.0"),
		Port:        getEnvIntOrDefault("PORT", fallbackInt(fc.Port, 3000)),
		LogLevel:    firstNonEmpty(os.Getenv("LOG_LEVEL"), fc.LogLevel, "info"),
		AutoMigrate: getEnvBoolOrDefault("AUTO_MIGRATE", true),

		JWTSecret: firstNonEmpty(os.Getenv("JWT_SECRET"), fc.JWTSecret, ""),

		ArchiveEnabled:          getEnvBoolOrDefault("ARCHIVE_ENABLED", false),
		ArchiveDelayHours:       getEnvIntOrDefault("ARCHIVE_DELAY_HOURS", 24),
		AbandonedStepAgeMinutes: getEnvIntOrDefault("ABANDONED_STEP_AGE_MINUTES", 15),
		RunTimeoutMinutes:       getEnvIntOrDefault("RUN_TIMEOUT_MINUTES", 60),
		RetryCooldownMinutes:    getEnvIntOrDefault("RETRY_COOLDOWN_MINUTES", 5),
		ReaperIntervalSeconds:   getEnvIntOrDefault("REAPER_INTERVAL_SECONDS", 60),

		StoryQueueLimit: getEnvIntOrDefault("STORY_QUEUE_LIMIT", 20),

		NotifyTimeoutSeconds: getEnvIntOrDefault("NOTIFY_TIMEOUT_SECONDS", 10),
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func fallbackInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

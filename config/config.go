package config

import (
	"log"
	"os"
	"strings"
)

// Config holds infrastructure configuration loaded from environment variables.
// Domain settings (timeframes, EMA periods, symbols) live in the YAML settings file.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string

	// Exchange
	BybitWSURL string

	SettingsPath string
	LogLevel     string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/candles.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),

		BybitWSURL: getEnv("BYBIT_WS_URL", "wss://stream.bybit.com/v5/public/linear"),

		SettingsPath: getEnv("SETTINGS_PATH", "config/settings.yaml"),
		LogLevel:     strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
}

// MustSettingsPath returns the settings path and exits if the file is missing.
func (c *Config) MustSettingsPath() string {
	if _, err := os.Stat(c.SettingsPath); err != nil {
		log.Fatalf("[config] settings file %s: %v", c.SettingsPath, err)
	}
	return c.SettingsPath
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

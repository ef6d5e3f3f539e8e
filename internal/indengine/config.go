package indengine

import (
	"fmt"
	"time"

	"ohlc-indicators/config"
)

// Config is everything the service needs: infrastructure from the
// environment and the domain settings file.
type Config struct {
	Env      *config.Config
	Settings *config.Settings

	CandleBuffer   int           // ingest channel capacity
	PublishTimeout time.Duration // per Redis publish
	HealthInterval time.Duration // dependency probe cadence
	BreakerFails   int
	BreakerReset   time.Duration
}

// LoadConfig reads the environment and the settings file it points at.
func LoadConfig() (Config, error) {
	env := config.Load()
	settings, err := config.LoadSettings(env.SettingsPath)
	if err != nil {
		return Config{}, fmt.Errorf("load settings %s: %w", env.SettingsPath, err)
	}
	cfg := Config{Env: env, Settings: settings}
	cfg.defaults()
	return cfg, nil
}

func (c *Config) defaults() {
	if c.CandleBuffer <= 0 {
		c.CandleBuffer = 1000
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.BreakerFails <= 0 {
		c.BreakerFails = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 10 * time.Second
	}
}

package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseSettings_Defaults(t *testing.T) {
	s, err := ParseSettings([]byte("symbols: [BTCUSDT]\n"))
	if err != nil {
		t.Fatalf("ParseSettings: %v", err)
	}
	if len(s.EMAPeriods) != 5 || s.EMAPeriods[0] != 20 || s.EMAPeriods[4] != 500 {
		t.Errorf("expected default periods, got %v", s.EMAPeriods)
	}
	if len(s.Timeframes) != 9 {
		t.Fatalf("expected 9 default timeframes, got %d", len(s.Timeframes))
	}
	if s.Sweep.Interval != 15*time.Minute || s.Sweep.Workers != 4 || !s.Sweep.Enabled {
		t.Errorf("unexpected sweep defaults: %+v", s.Sweep)
	}
	if s.Publish.StreamMaxLen != 1000 {
		t.Errorf("expected stream_maxlen=1000, got %d", s.Publish.StreamMaxLen)
	}

	table := s.TimeframeTable()
	tf, ok := table.Lookup("1m")
	if !ok {
		t.Fatal("1m missing from timeframe table")
	}
	if tf.AllowedHistory != 7*24*3600 {
		t.Errorf("1m allowed history: got %d", tf.AllowedHistory)
	}
	if tf, _ := table.Lookup("1h"); tf.AllowedHistory != 0 {
		t.Errorf("1h should have unlimited history, got %d", tf.AllowedHistory)
	}
}

func TestParseSettings_ExplicitValues(t *testing.T) {
	yml := `
symbols: [ETHUSDT]
ema_periods: [50, 20, 50]
timeframes:
  - { label: 1m, interval_sec: 60, allowed_history: 24h, exchange_interval: "1" }
sweep:
  enabled: false
  interval: 5m
  workers: 2
`
	s, err := ParseSettings([]byte(yml))
	if err != nil {
		t.Fatalf("ParseSettings: %v", err)
	}
	if len(s.EMAPeriods) != 2 || s.EMAPeriods[0] != 50 || s.EMAPeriods[1] != 20 {
		t.Errorf("expected de-duplicated [50 20], got %v", s.EMAPeriods)
	}
	if s.Sweep.Enabled {
		t.Error("explicit enabled: false must survive defaults")
	}
	if s.Timeframes[0].InitialCandles != 200 {
		t.Errorf("expected initial_candles default 200, got %d", s.Timeframes[0].InitialCandles)
	}
	if got := s.TimeframeTable()[0].AllowedHistory; got != 86400 {
		t.Errorf("allowed history seconds: got %d", got)
	}
}

func TestParseSettings_Invalid(t *testing.T) {
	cases := map[string]string{
		"no symbols":       "ema_periods: [20]\n",
		"negative period":  "symbols: [BTCUSDT]\nema_periods: [20, -1]\n",
		"lowercase symbol": "symbols: [btcusdt]\n",
		"zero interval": `symbols: [BTCUSDT]
timeframes:
  - { label: 1m, interval_sec: 0, exchange_interval: "1" }
`,
		"duplicate label": `symbols: [BTCUSDT]
timeframes:
  - { label: 1m, interval_sec: 60, exchange_interval: "1" }
  - { label: 1m, interval_sec: 60, exchange_interval: "2" }
`,
		"history below interval": `symbols: [BTCUSDT]
timeframes:
  - { label: 1h, interval_sec: 3600, allowed_history: 10m, exchange_interval: "60" }
`,
		"sweep too frequent": "symbols: [BTCUSDT]\nsweep: { interval: 10s }\n",
		"malformed yaml":     "symbols: [BTCUSDT\n",
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSettings([]byte(yml)); err == nil {
				t.Errorf("expected error for %s", name)
			}
		})
	}
}

func TestLoadSettings_ExampleFile(t *testing.T) {
	s, err := LoadSettings("settings.example.yaml")
	if err != nil {
		t.Fatalf("example settings must load: %v", err)
	}
	if len(s.Symbols) != 2 {
		t.Errorf("expected 2 symbols, got %v", s.Symbols)
	}
	if _, ok := s.TimeframeTable().ByExchangeInterval("D"); !ok {
		t.Error("expected exchange interval D to map to a timeframe")
	}
}

func TestLoadSettings_MissingFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read settings") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("REDIS_ADDR", "")

	c := Load()
	if c.SQLitePath != "/tmp/x.db" {
		t.Errorf("SQLitePath: got %s", c.SQLitePath)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel should be lower-cased, got %s", c.LogLevel)
	}
	if c.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr default: got %s", c.RedisAddr)
	}
}

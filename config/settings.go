package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"ohlc-indicators/internal/model"
)

// Settings is the domain configuration: what to ingest and which indicators to keep.
// It is loaded once at startup and treated as immutable afterwards.
type Settings struct {
	Symbols    []string          `yaml:"symbols" validate:"required,min=1,dive,required,uppercase"`
	EMAPeriods []int             `yaml:"ema_periods" default:"[20,50,100,200,500]" validate:"required,min=1,dive,gt=0"`
	Timeframes []TimeframeConfig `yaml:"timeframes" validate:"required,min=1,dive"`
	Sweep      SweepSettings     `yaml:"sweep"`
	Publish    PublishSettings   `yaml:"publish"`
}

// TimeframeConfig is one row of the timeframe table.
type TimeframeConfig struct {
	Label            string        `yaml:"label" validate:"required"`
	IntervalSec      int64         `yaml:"interval_sec" validate:"gt=0"`
	AllowedHistory   time.Duration `yaml:"allowed_history" validate:"gte=0"`
	InitialCandles   int           `yaml:"initial_candles" default:"200" validate:"gte=0"`
	ExchangeInterval string        `yaml:"exchange_interval" validate:"required"`
}

// SweepSettings controls the periodic maintenance sweep.
type SweepSettings struct {
	Enabled  bool          `yaml:"enabled" default:"true"`
	Interval time.Duration `yaml:"interval" default:"15m" validate:"gte=1m"`
	Workers  int           `yaml:"workers" default:"4" validate:"gte=1,lte=64"`
	FullScan bool          `yaml:"full_scan"`
}

// PublishSettings controls the Redis EMA fan-out.
type PublishSettings struct {
	StreamMaxLen int64 `yaml:"stream_maxlen" default:"1000" validate:"gt=0"`
	BufferSize   int   `yaml:"buffer_size" default:"10000" validate:"gt=0"`
}

var validate = validator.New()

// LoadSettings reads, defaults and validates the YAML settings file.
func LoadSettings(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return ParseSettings(b)
}

// ParseSettings decodes settings from YAML bytes.
// An absent timeframe table falls back to model.DefaultTimeframes.
func ParseSettings(b []byte) (*Settings, error) {
	var s Settings
	// Defaults first so explicit zero values in the file (enabled: false) survive.
	if err := defaults.Set(&s); err != nil {
		return nil, fmt.Errorf("settings defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if len(s.Timeframes) == 0 {
		for _, tf := range model.DefaultTimeframes() {
			s.Timeframes = append(s.Timeframes, TimeframeConfig{
				Label:            tf.Label,
				IntervalSec:      tf.IntervalSec,
				AllowedHistory:   time.Duration(tf.AllowedHistory) * time.Second,
				InitialCandles:   tf.InitialCandles,
				ExchangeInterval: tf.ExchangeInterval,
			})
		}
	}
	for i := range s.Timeframes {
		if err := defaults.Set(&s.Timeframes[i]); err != nil {
			return nil, fmt.Errorf("settings defaults: timeframe %d: %w", i, err)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	s.EMAPeriods = dedupe(s.EMAPeriods)
	return &s, nil
}

// Validate runs struct-tag validation followed by cross-field checks.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return err
	}

	seenLabel := make(map[string]bool, len(s.Timeframes))
	seenInterval := make(map[string]bool, len(s.Timeframes))
	for _, tf := range s.Timeframes {
		if seenLabel[tf.Label] {
			return fmt.Errorf("duplicate timeframe label %q", tf.Label)
		}
		if seenInterval[tf.ExchangeInterval] {
			return fmt.Errorf("duplicate exchange interval %q", tf.ExchangeInterval)
		}
		seenLabel[tf.Label] = true
		seenInterval[tf.ExchangeInterval] = true
		if tf.AllowedHistory > 0 && tf.AllowedHistory < time.Duration(tf.IntervalSec)*time.Second {
			return fmt.Errorf("timeframe %s: allowed_history shorter than one interval", tf.Label)
		}
	}
	if len(dedupe(s.EMAPeriods)) == 0 {
		return errors.New("empty ema period list")
	}
	return nil
}

// TimeframeTable converts the YAML rows into the model's timeframe table.
func (s *Settings) TimeframeTable() model.Timeframes {
	out := make(model.Timeframes, 0, len(s.Timeframes))
	for _, tf := range s.Timeframes {
		out = append(out, model.Timeframe{
			Label:            tf.Label,
			IntervalSec:      tf.IntervalSec,
			AllowedHistory:   int64(tf.AllowedHistory / time.Second),
			InitialCandles:   tf.InitialCandles,
			ExchangeInterval: tf.ExchangeInterval,
		})
	}
	return out
}

func dedupe(periods []int) []int {
	seen := make(map[int]bool, len(periods))
	out := make([]int, 0, len(periods))
	for _, p := range periods {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

package model

import (
	"strconv"
	"strings"
)

// Timeframe is the static configuration of one candle interval.
type Timeframe struct {
	Label          string // e.g. "1m", "1h"
	IntervalSec    int64
	AllowedHistory int64 // retained history horizon in seconds; 0 = unlimited
	InitialCandles int   // initial backfill depth
	// ExchangeInterval is the kline interval used in the exchange topic ("1", "60", "D").
	ExchangeInterval string
}

const week = 7 * 24 * 60 * 60

// AlignOrigin is the epoch offset buckets of intervalSec are counted from.
// Weekly buckets open on Monday 00:00 UTC, four days after the Unix epoch.
func AlignOrigin(intervalSec int64) int64 {
	if intervalSec > 0 && intervalSec%week == 0 {
		return 4 * 24 * 60 * 60
	}
	return 0
}

// Aligned reports whether ts is a bucket start for intervalSec.
func Aligned(ts, intervalSec int64) bool {
	if intervalSec <= 0 {
		return false
	}
	return (ts-AlignOrigin(intervalSec))%intervalSec == 0
}

// Align floors ts to the start of its bucket.
func (tf Timeframe) Align(ts int64) int64 {
	if tf.IntervalSec <= 0 {
		return ts
	}
	off := ts - AlignOrigin(tf.IntervalSec)
	r := off % tf.IntervalSec
	if r < 0 {
		r += tf.IntervalSec
	}
	return ts - r
}

// GapThreshold is the largest timestamp delta still treated as contiguous.
func (tf Timeframe) GapThreshold() float64 {
	return GapThreshold(tf.IntervalSec)
}

// GapThreshold returns 1.1 × intervalSec.
func GapThreshold(intervalSec int64) float64 {
	return 1.1 * float64(intervalSec)
}

// Timeframes is the process-wide timeframe table, in configuration order.
type Timeframes []Timeframe

// Lookup returns the timeframe with the given label.
func (t Timeframes) Lookup(label string) (Timeframe, bool) {
	for _, tf := range t {
		if tf.Label == label {
			return tf, true
		}
	}
	return Timeframe{}, false
}

// ByExchangeInterval maps an exchange topic interval back to its timeframe.
func (t Timeframes) ByExchangeInterval(interval string) (Timeframe, bool) {
	for _, tf := range t {
		if tf.ExchangeInterval == interval {
			return tf, true
		}
	}
	return Timeframe{}, false
}

// Labels returns the configured labels in order.
func (t Timeframes) Labels() []string {
	out := make([]string, len(t))
	for i, tf := range t {
		out[i] = tf.Label
	}
	return out
}

// DefaultTimeframes mirrors the production interval table.
func DefaultTimeframes() Timeframes {
	const day = 24 * 60 * 60
	return Timeframes{
		{Label: "1m", IntervalSec: 60, AllowedHistory: 7 * day, InitialCandles: 500, ExchangeInterval: "1"},
		{Label: "5m", IntervalSec: 300, AllowedHistory: 60 * day, InitialCandles: 500, ExchangeInterval: "5"},
		{Label: "30m", IntervalSec: 1800, AllowedHistory: 180 * day, InitialCandles: 400, ExchangeInterval: "30"},
		{Label: "1h", IntervalSec: 3600, InitialCandles: 300, ExchangeInterval: "60"},
		{Label: "4h", IntervalSec: 14400, InitialCandles: 200, ExchangeInterval: "240"},
		{Label: "6h", IntervalSec: 21600, InitialCandles: 150, ExchangeInterval: "360"},
		{Label: "12h", IntervalSec: 43200, InitialCandles: 120, ExchangeInterval: "720"},
		{Label: "1d", IntervalSec: 86400, InitialCandles: 100, ExchangeInterval: "D"},
		{Label: "1w", IntervalSec: 604800, InitialCandles: 20, ExchangeInterval: "W"},
	}
}

// DefaultEMAPeriods is the period set used when none is configured.
func DefaultEMAPeriods() []int {
	return []int{20, 50, 100, 200, 500}
}

// MaxPeriod returns the largest period, or 0 for an empty set.
func MaxPeriod(periods []int) int {
	m := 0
	for _, p := range periods {
		if p > m {
			m = p
		}
	}
	return m
}

// FormatPeriods renders periods as "20,50,200" for log lines.
func FormatPeriods(periods []int) string {
	parts := make([]string, len(periods))
	for i, p := range periods {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

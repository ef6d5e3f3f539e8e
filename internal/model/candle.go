package model

import (
	"encoding/json"
	"math"
)

// Column identifies one derived indicator column (e.g. "ema20").
// Valid columns are only ever produced by the schema registry.
type Column string

// Candle is one OHLCV bar for a symbol on a fixed timeframe.
// A NULL OHLC cell read back from the store is represented as NaN.
type Candle struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	TS        int64   `json:"timestamp"` // bucket start, unix seconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`

	// EMA holds whichever indicator columns were read with the row.
	EMA map[Column]EMAValue `json:"ema,omitempty"`
}

// Key returns "timeframe:symbol", the serialization key for indicator work.
func (c *Candle) Key() string {
	return SeriesKey(c.Symbol, c.Timeframe)
}

// SeriesKey builds the (symbol, timeframe) key used for locks and stats.
func SeriesKey(symbol, timeframe string) string {
	return timeframe + ":" + symbol
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Sentinel marks an indicator cell whose computation was attempted
// but whose input window failed validation.
const Sentinel = -1.0

// EMAValue is the tri-state content of an indicator cell:
// unset (NULL), sentinel (-1) or a computed non-negative float.
type EMAValue struct {
	Value float64
	Set   bool
}

// Unset returns the NULL state.
func Unset() EMAValue { return EMAValue{} }

// Invalid returns the sentinel state.
func Invalid() EMAValue { return EMAValue{Value: Sentinel, Set: true} }

// Computed wraps a computed indicator value.
func Computed(v float64) EMAValue { return EMAValue{Value: v, Set: true} }

// IsSentinel reports whether the cell carries the -1 marker.
func (v EMAValue) IsSentinel() bool { return v.Set && v.Value == Sentinel }

// IsComputed reports whether the cell holds a real reading.
func (v EMAValue) IsComputed() bool {
	return v.Set && v.Value >= 0 && !math.IsNaN(v.Value) && !math.IsInf(v.Value, 0)
}

// Missing reports whether the cell is unset or sentinel.
func (v EMAValue) Missing() bool { return !v.IsComputed() }

// MarshalJSON renders unset as null and everything else verbatim.
func (v EMAValue) MarshalJSON() ([]byte, error) {
	if !v.Set {
		return []byte("null"), nil
	}
	return json.Marshal(v.Value)
}

// UnmarshalJSON accepts null or a number.
func (v *EMAValue) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Unset()
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = EMAValue{Value: f, Set: true}
	return nil
}

// Gap is a maximal run of missing indicator values that needs repair.
type Gap struct {
	Column  Column `json:"column"`
	Period  int    `json:"period"`
	StartTS int64  `json:"start_ts"`
	EndTS   int64  `json:"end_ts"`
}

// Points returns the number of interval slots the gap spans.
func (g Gap) Points(intervalSec int64) int {
	if intervalSec <= 0 {
		return 0
	}
	return int((g.EndTS-g.StartTS)/intervalSec) + 1
}

// IndicatorWrite is a single cell write for one row of a timeframe table.
type IndicatorWrite struct {
	TS     int64
	Column Column
	Value  EMAValue
}

// EMAPoint is a computed indicator reading published to downstream consumers.
type EMAPoint struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Period    int     `json:"period"`
	TS        int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// JSON returns the JSON-encoded point.
func (p *EMAPoint) JSON() []byte {
	b, _ := json.Marshal(p)
	return b
}

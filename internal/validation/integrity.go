// Package validation classifies candle windows as usable or unusable for
// indicator computation. Every check is pure: inputs are only read, and the
// outcome is a Verdict rather than an error.
package validation

import (
	"fmt"
	"math"
	"sort"

	"ohlc-indicators/internal/model"
)

// Verdict is the outcome of an integrity check.
type Verdict struct {
	Valid  bool   `json:"is_valid"`
	Reason string `json:"reason,omitempty"`
}

// OK is the passing verdict.
var OK = Verdict{Valid: true}

func invalid(reason string) Verdict { return Verdict{Reason: reason} }

const (
	ReasonNonPositiveInterval = "non-positive interval"
	ReasonInvalidOHLC         = "invalid OHLC"
	ReasonTimestampGap        = "timestamp gap"
	ReasonDiscontinuous       = "discontinuous close series"
	ReasonMisaligned          = "timestamp not aligned to interval"
	ReasonHighBelowLow        = "high below low"
)

// ValidateForIndicator gates an EMA computation of the given period over window.
// Checks run in order and stop at the first failure.
func ValidateForIndicator(window []model.Candle, period int, intervalSec int64) Verdict {
	if intervalSec <= 0 {
		return invalid(ReasonNonPositiveInterval)
	}
	if len(window) < period {
		return invalid(fmt.Sprintf("insufficient rows: %d < %d", len(window), period))
	}
	if !ValidOHLC(window) {
		return invalid(ReasonInvalidOHLC)
	}
	if HasTimestampGaps(window, intervalSec) {
		return invalid(ReasonTimestampGap)
	}
	if !ContinuousWindow(window, period) {
		return invalid(ReasonDiscontinuous)
	}
	return OK
}

// ValidOHLC reports whether every row has four finite, strictly positive prices.
func ValidOHLC(window []model.Candle) bool {
	for i := range window {
		c := &window[i]
		if !positive(c.Open) || !positive(c.High) || !positive(c.Low) || !positive(c.Close) {
			return false
		}
	}
	return true
}

func positive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// HasTimestampGaps reports whether any two consecutive rows (by timestamp)
// are further apart than 1.1 × intervalSec.
func HasTimestampGaps(window []model.Candle, intervalSec int64) bool {
	if len(window) < 2 {
		return false
	}
	ts := sortedTimestamps(window)
	threshold := model.GapThreshold(intervalSec)
	for i := 1; i < len(ts); i++ {
		if float64(ts[i]-ts[i-1]) > threshold {
			return true
		}
	}
	return false
}

// ContinuousWindow reports whether every rolling sub-window of size period
// holds period non-null closes.
func ContinuousWindow(window []model.Candle, period int) bool {
	if period <= 0 || len(window) < period {
		return false
	}
	valid := 0
	for i := range window {
		if !math.IsNaN(window[i].Close) {
			valid++
		}
		if i >= period && !math.IsNaN(window[i-period].Close) {
			valid--
		}
		if i >= period-1 && valid < period {
			return false
		}
	}
	return true
}

// Preflight checks a single incoming candle before it is stored.
func Preflight(c model.Candle, intervalSec int64) Verdict {
	if intervalSec <= 0 {
		return invalid(ReasonNonPositiveInterval)
	}
	if !ValidOHLC([]model.Candle{c}) || c.Volume < 0 || math.IsNaN(c.Volume) {
		return invalid(ReasonInvalidOHLC)
	}
	if c.High < c.Low {
		return invalid(ReasonHighBelowLow)
	}
	if !model.Aligned(c.TS, intervalSec) {
		return invalid(ReasonMisaligned)
	}
	return OK
}

// CandleGap is a run of expected but absent candles between two stored rows.
type CandleGap struct {
	StartTS int64 `json:"start_ts"`
	EndTS   int64 `json:"end_ts"`
	Missing int   `json:"missing"`
}

// FindMissingCandles walks consecutive rows and reports every hole wider
// than the gap threshold as the run of interval slots that should exist.
func FindMissingCandles(rows []model.Candle, intervalSec int64) []CandleGap {
	if intervalSec <= 0 || len(rows) < 2 {
		return nil
	}
	ts := sortedTimestamps(rows)
	threshold := model.GapThreshold(intervalSec)

	var gaps []CandleGap
	for i := 1; i < len(ts); i++ {
		delta := ts[i] - ts[i-1]
		if float64(delta) <= threshold {
			continue
		}
		start := ts[i-1] + intervalSec
		end := ts[i] - intervalSec
		if end < start {
			end = start
		}
		gaps = append(gaps, CandleGap{
			StartTS: start,
			EndTS:   end,
			Missing: int((end-start)/intervalSec) + 1,
		})
	}
	return gaps
}

func sortedTimestamps(rows []model.Candle) []int64 {
	ts := make([]int64, len(rows))
	for i := range rows {
		ts[i] = rows[i].TS
	}
	if !sort.SliceIsSorted(ts, func(i, j int) bool { return ts[i] < ts[j] }) {
		sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	}
	return ts
}

package indicator

import "math"

// EMA calculates an Exponential Moving Average over close prices.
// O(1) per update — no window storage needed.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

// Update feeds the next close. A NaN close breaks the series and restarts warm-up.
func (e *EMA) Update(price float64) {
	if math.IsNaN(price) {
		e.Reset()
		return
	}
	e.count++

	if e.count <= e.period {
		// Accumulate for initial SMA seed
		e.sum += price
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	// EMA = EMA_prev + (Price - EMA_prev) * multiplier; exact on a flat series.
	e.current += (price - e.current) * e.multiplier
}

// Value returns the current EMA, or NaN before the seed is complete.
func (e *EMA) Value() float64 {
	if !e.Ready() {
		return math.NaN()
	}
	return e.current
}

func (e *EMA) Ready() bool { return e.count >= e.period }

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
	e.sum = 0
}

// EMASeries returns the EMA of closes aligned index-for-index.
// Entries before the first full period (and after a NaN close, until
// warm-up completes again) are NaN.
func EMASeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if period <= 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	ema := NewEMA(period)
	for i, c := range closes {
		ema.Update(c)
		out[i] = ema.Value()
	}
	return out
}

package indicator

import (
	"context"
	"fmt"

	"ohlc-indicators/internal/model"
)

// Trigger is the per-candle entry point: each confirmed candle recomputes
// exactly its own timestamp for every configured period.
type Trigger struct {
	engine  *Engine
	locks   *KeyedMutex
	periods []int
}

// NewTrigger creates a trigger computing periods. locks must be shared with
// any Sweeper working on the same store.
func NewTrigger(engine *Engine, locks *KeyedMutex, periods []int) *Trigger {
	return &Trigger{engine: engine, locks: locks, periods: periods}
}

// OnCandle recomputes (symbol, timeframe) at ts. It must be called after the
// candle row is committed.
func (t *Trigger) OnCandle(ctx context.Context, symbol, timeframe string, ts int64) (int, error) {
	if _, err := t.engine.schema.Timeframe(timeframe); err != nil {
		return 0, fmt.Errorf("trigger %s: %w", symbol, err)
	}

	unlock := t.locks.Lock(model.SeriesKey(symbol, timeframe))
	defer unlock()

	return t.engine.Compute(ctx, ComputeRequest{
		Symbol:    symbol,
		Timeframe: timeframe,
		Periods:   t.periods,
		StartTS:   ts,
		EndTS:     ts,
	})
}

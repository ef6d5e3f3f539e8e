package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the indicator engine from the concrete store
// (SQLite). The engine treats the store as a transactional range store.

// CandleReader reads candle rows ordered by timestamp ascending.
type CandleReader interface {
	// RangeScan returns rows of (symbol, timeframe) with startTS <= ts <= endTS,
	// including every indicator column known to the schema registry.
	RangeScan(ctx context.Context, symbol, timeframe string, startTS, endTS int64) ([]Candle, error)

	// FirstTimestamp returns the earliest stored timestamp; ok is false for an empty series.
	FirstTimestamp(ctx context.Context, symbol, timeframe string) (ts int64, ok bool, err error)

	// LastTimestamp returns the latest stored timestamp; ok is false for an empty series.
	LastTimestamp(ctx context.Context, symbol, timeframe string) (ts int64, ok bool, err error)

	// CountBefore returns how many rows of the series lie strictly before ts.
	CountBefore(ctx context.Context, symbol, timeframe string, ts int64) (int, error)

	// Symbols lists the distinct symbols stored for a timeframe.
	Symbols(ctx context.Context, timeframe string) ([]string, error)
}

// CandleWriter upserts raw candles. EMA columns are never touched.
type CandleWriter interface {
	UpsertCandles(ctx context.Context, candles []Candle) error
}

// IndicatorWriter writes indicator cells. Writes are idempotent
// (last write wins per cell) and applied in one transaction per call.
// It returns the number of rows the store matched.
type IndicatorWriter interface {
	WriteIndicators(ctx context.Context, symbol, timeframe string, writes []IndicatorWrite) (int, error)
}

// CandleStore is the full store contract used by the indicator engine.
type CandleStore interface {
	CandleReader
	CandleWriter
	IndicatorWriter
}

// EMAPublisher pushes freshly computed readings to downstream consumers.
type EMAPublisher interface {
	PublishEMA(ctx context.Context, points []EMAPoint) error
}

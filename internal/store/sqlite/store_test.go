package sqlite

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"ohlc-indicators/internal/model"
	"ohlc-indicators/internal/schema"
)

func openTestStore(t *testing.T, path string, periods ...int) *Store {
	t.Helper()
	reg, err := schema.NewRegistry(model.DefaultTimeframes(), periods)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(context.Background(), Config{DBPath: path}, reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func bars(symbol, tf string, interval int64, n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		c := 100 + float64(i)
		out[i] = model.Candle{Symbol: symbol, Timeframe: tf, TS: int64(i) * interval,
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 5}
	}
	return out
}

func TestStore_UpsertAndRangeScan(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "candles.db"), 20, 50)

	if err := s.UpsertCandles(ctx, bars("BTCUSDT", "1m", 60, 10)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertCandles(ctx, bars("ETHUSDT", "1m", 60, 3)); err != nil {
		t.Fatal(err)
	}

	rows, err := s.RangeScan(ctx, "BTCUSDT", "1m", 120, 300)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || rows[0].TS != 120 || rows[3].TS != 300 {
		t.Fatalf("unexpected rows %+v", rows)
	}
	r := rows[0]
	if r.Symbol != "BTCUSDT" || r.Timeframe != "1m" || r.Close != 102 || r.Volume != 5 {
		t.Errorf("unexpected row %+v", r)
	}
	if v, ok := r.EMA["ema20"]; !ok || v.Set {
		t.Errorf("fresh ema20 must read back unset, got %+v (present=%v)", v, ok)
	}

	syms, err := s.Symbols(ctx, "1m")
	if err != nil || len(syms) != 2 || syms[0] != "BTCUSDT" {
		t.Errorf("Symbols: %v, %v", syms, err)
	}
}

func TestStore_IndicatorTriState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "candles.db"), 20)
	if err := s.UpsertCandles(ctx, bars("X", "1h", 3600, 3)); err != nil {
		t.Fatal(err)
	}

	n, err := s.WriteIndicators(ctx, "X", "1h", []model.IndicatorWrite{
		{TS: 0, Column: "ema20", Value: model.Invalid()},
		{TS: 3600, Column: "ema20", Value: model.Computed(101.25)},
		{TS: 7200, Column: "ema20", Value: model.Computed(1)},
		{TS: 7200, Column: "ema20", Value: model.Unset()}, // last write wins
		{TS: 99999, Column: "ema20", Value: model.Computed(1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("expected 4 matched rows, got %d", n)
	}

	rows, _ := s.RangeScan(ctx, "X", "1h", 0, 7200)
	if !rows[0].EMA["ema20"].IsSentinel() {
		t.Errorf("row 0: %+v", rows[0].EMA)
	}
	if v := rows[1].EMA["ema20"]; !v.IsComputed() || v.Value != 101.25 {
		t.Errorf("row 1: %+v", v)
	}
	if rows[2].EMA["ema20"].Set {
		t.Errorf("row 2: expected unset, got %+v", rows[2].EMA)
	}
}

func TestStore_UpsertKeepsIndicators(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "candles.db"), 20)
	c := bars("X", "1m", 60, 1)
	if err := s.UpsertCandles(ctx, c); err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteIndicators(ctx, "X", "1m", []model.IndicatorWrite{{TS: 0, Column: "ema20", Value: model.Computed(7)}}); err != nil {
		t.Fatal(err)
	}

	c[0].Close = 250
	c[0].Open = math.NaN()
	if err := s.UpsertCandles(ctx, c); err != nil {
		t.Fatal(err)
	}
	rows, _ := s.RangeScan(ctx, "X", "1m", 0, 0)
	if rows[0].Close != 250 {
		t.Errorf("close not overwritten: %v", rows[0].Close)
	}
	if !math.IsNaN(rows[0].Open) {
		t.Errorf("NaN open must round-trip as NULL, got %v", rows[0].Open)
	}
	if v := rows[0].EMA["ema20"]; v.Value != 7 {
		t.Errorf("upsert must not touch ema columns, got %+v", v)
	}
}

func TestStore_TimestampQueries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "candles.db"), 20)

	if _, ok, err := s.LastTimestamp(ctx, "X", "5m"); ok || err != nil {
		t.Errorf("empty series: ok=%v err=%v", ok, err)
	}
	if err := s.UpsertCandles(ctx, bars("X", "5m", 300, 10)); err != nil {
		t.Fatal(err)
	}
	first, ok, _ := s.FirstTimestamp(ctx, "X", "5m")
	last, _, _ := s.LastTimestamp(ctx, "X", "5m")
	if !ok || first != 0 || last != 2700 {
		t.Errorf("first=%d last=%d", first, last)
	}
	if n, _ := s.CountBefore(ctx, "X", "5m", 1500); n != 5 {
		t.Errorf("CountBefore(1500) = %d, want 5", n)
	}
}

func TestStore_MigrationAddsColumns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "candles.db")

	s := openTestStore(t, path, 20)
	if err := s.UpsertCandles(ctx, bars("X", "1d", 86400, 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteIndicators(ctx, "X", "1d", []model.IndicatorWrite{{TS: 0, Column: "ema20", Value: model.Computed(3)}}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Reopen with an extra period: the new column appears unset.
	s2 := openTestStore(t, path, 20, 200)
	rows, err := s2.RangeScan(ctx, "X", "1d", 0, 86400)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].EMA["ema20"].Value != 3 {
		t.Errorf("existing column lost: %+v", rows[0].EMA)
	}
	if v, ok := rows[0].EMA["ema200"]; !ok || v.Set {
		t.Errorf("new column must exist and be unset: %+v", rows[0].EMA)
	}
}

func TestStore_UnknownIdentifiers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "candles.db"), 20)

	if _, err := s.RangeScan(ctx, "X", "2m", 0, 1); !errors.Is(err, schema.ErrUnknownTimeframe) {
		t.Errorf("expected ErrUnknownTimeframe, got %v", err)
	}
	if err := s.UpsertCandles(ctx, []model.Candle{{Symbol: "X", Timeframe: "bogus"}}); !errors.Is(err, schema.ErrUnknownTimeframe) {
		t.Errorf("expected ErrUnknownTimeframe, got %v", err)
	}
	_, err := s.WriteIndicators(ctx, "X", "1m", []model.IndicatorWrite{{TS: 0, Column: "ema21; DROP TABLE candles_1m"}})
	if !errors.Is(err, schema.ErrUnknownPeriod) {
		t.Errorf("expected ErrUnknownPeriod, got %v", err)
	}
}

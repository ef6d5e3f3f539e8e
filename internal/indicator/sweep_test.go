package indicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"ohlc-indicators/internal/model"
)

func TestSweeper_RepairsAndReportsHoles(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed(t, "AAA", "1h", 3600, 100, wave)
	store.seed(t, "BBB", "1h", 3600, 100, wave)
	// Drop two candles from BBB: rows 60 and 61.
	rows := store.series["1h:BBB"]
	store.series["1h:BBB"] = append(rows[:60:60], rows[62:]...)

	engine := newTestEngine(t, store, 20)
	sweeper := NewSweeper(engine, NewKeyedMutex(), []int{20})

	var mu sync.Mutex
	seen := map[string]bool{}
	sweeper.OnReport = func(r SweepReport) {
		mu.Lock()
		seen[r.Symbol] = true
		mu.Unlock()
	}

	reports, err := sweeper.Run(ctx, SweepOptions{Timeframes: []string{"1h"}, Workers: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reports) != 2 || !seen["AAA"] || !seen["BBB"] {
		t.Fatalf("expected reports for AAA and BBB, got %+v", reports)
	}

	for _, r := range reports {
		switch r.Symbol {
		case "AAA":
			if r.Rows != 100 || r.Fixed != 80 || len(r.MissingCandles) != 0 {
				t.Errorf("AAA: %+v", r)
			}
		case "BBB":
			if len(r.MissingCandles) != 1 || r.MissingCandles[0].Missing != 2 || r.MissingCandles[0].StartTS != 60*3600 {
				t.Errorf("BBB missing candles: %+v", r.MissingCandles)
			}
		}
	}

	// The hole splits the repair in two. The row right after it still has 20
	// contiguous rows before it, so its gap is computed.
	if v, _ := store.cell("BBB", "1h", 62*3600, "ema20"); !v.IsComputed() {
		t.Errorf("row after the hole: expected computed, got %+v", v)
	}

	// A second sweep finds only what the first could not fix.
	again, err := sweeper.Run(ctx, SweepOptions{Symbols: []string{"AAA"}, Timeframes: []string{"1h"}})
	if err != nil || len(again) != 1 || again[0].Fixed != 0 {
		t.Errorf("second sweep: %+v, %v", again, err)
	}
}

func TestSweeper_AllowedHistoryAndOffset(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	// 1m keeps 7 days; 10 days of data puts the window start deep in the series.
	n := 10 * 24 * 60
	store.seed(t, "AAA", "1m", 60, n, flat(10))
	engine := newTestEngine(t, store, 20)
	sweeper := NewSweeper(engine, NewKeyedMutex(), []int{20})

	reports, err := sweeper.Run(ctx, SweepOptions{Symbols: []string{"AAA"}, Timeframes: []string{"1m"}, FullScan: true})
	if err != nil {
		t.Fatal(err)
	}
	want := 7*24*60 + 1
	if reports[0].Rows != want {
		t.Errorf("expected %d rows in the retained window, got %d", want, reports[0].Rows)
	}
	// The window starts past the warm-up prefix, so every row is fixed.
	if reports[0].Fixed != want {
		t.Errorf("expected %d fixed, got %d", want, reports[0].Fixed)
	}
	first := int64(n-want) * 60
	if v, _ := store.cell("AAA", "1m", first, "ema20"); !v.IsComputed() {
		t.Errorf("window head must be computed, got %+v", v)
	}
	if v, _ := store.cell("AAA", "1m", first-60, "ema20"); v.Set {
		t.Errorf("rows before the retained window must be untouched, got %+v", v)
	}
}

func TestSweeper_UnknownTimeframe(t *testing.T) {
	engine := newTestEngine(t, newMemStore(), 20)
	sweeper := NewSweeper(engine, NewKeyedMutex(), []int{20})
	if _, err := sweeper.Run(context.Background(), SweepOptions{Timeframes: []string{"7m"}}); err == nil {
		t.Error("expected error for unknown timeframe")
	}
}

func TestSweeper_RunEveryStopsOnCancel(t *testing.T) {
	store := newMemStore()
	store.seed(t, "AAA", "1h", 3600, 30, wave)
	engine := newTestEngine(t, store, 20)
	sweeper := NewSweeper(engine, NewKeyedMutex(), []int{20})

	var mu sync.Mutex
	runs := 0
	sweeper.OnReport = func(SweepReport) { mu.Lock(); runs++; mu.Unlock() }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.RunEvery(ctx, 10*time.Millisecond, SweepOptions{Timeframes: []string{"1h"}})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunEvery did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if runs == 0 {
		t.Error("expected at least one sweep")
	}
	if v, _ := store.cell("AAA", "1h", 29*3600, model.Column("ema20")); !v.IsComputed() {
		t.Errorf("expected the periodic sweep to fill ema20, got %+v", v)
	}
}

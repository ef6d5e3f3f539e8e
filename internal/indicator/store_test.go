package indicator

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"testing"

	"ohlc-indicators/internal/model"
	"ohlc-indicators/internal/schema"
)

// memStore is an in-memory model.CandleStore for engine tests.
type memStore struct {
	mu     sync.Mutex
	series map[string][]model.Candle

	scans      int
	writeCalls int
	failWrite  error
	failScan   error
}

func newMemStore() *memStore {
	return &memStore{series: make(map[string][]model.Candle)}
}

func (m *memStore) UpsertCandles(_ context.Context, candles []model.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		key := model.SeriesKey(c.Symbol, c.Timeframe)
		rows := m.series[key]
		i := sort.Search(len(rows), func(i int) bool { return rows[i].TS >= c.TS })
		if i < len(rows) && rows[i].TS == c.TS {
			ema := rows[i].EMA
			rows[i] = c
			rows[i].EMA = ema
			continue
		}
		c.EMA = nil
		rows = append(rows, model.Candle{})
		copy(rows[i+1:], rows[i:])
		rows[i] = c
		m.series[key] = rows
	}
	return nil
}

func (m *memStore) RangeScan(_ context.Context, symbol, timeframe string, startTS, endTS int64) ([]model.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
	if m.failScan != nil {
		return nil, m.failScan
	}
	var out []model.Candle
	for _, c := range m.series[model.SeriesKey(symbol, timeframe)] {
		if c.TS < startTS || c.TS > endTS {
			continue
		}
		cp := c
		cp.EMA = make(map[model.Column]model.EMAValue, len(c.EMA))
		for k, v := range c.EMA {
			cp.EMA[k] = v
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *memStore) WriteIndicators(_ context.Context, symbol, timeframe string, writes []model.IndicatorWrite) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	if m.failWrite != nil {
		return 0, m.failWrite
	}
	rows := m.series[model.SeriesKey(symbol, timeframe)]
	matched := 0
	for _, w := range writes {
		i := sort.Search(len(rows), func(i int) bool { return rows[i].TS >= w.TS })
		if i == len(rows) || rows[i].TS != w.TS {
			continue
		}
		if rows[i].EMA == nil {
			rows[i].EMA = make(map[model.Column]model.EMAValue)
		}
		rows[i].EMA[w.Column] = w.Value
		matched++
	}
	return matched, nil
}

func (m *memStore) FirstTimestamp(_ context.Context, symbol, timeframe string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.series[model.SeriesKey(symbol, timeframe)]
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].TS, true, nil
}

func (m *memStore) LastTimestamp(_ context.Context, symbol, timeframe string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.series[model.SeriesKey(symbol, timeframe)]
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[len(rows)-1].TS, true, nil
}

func (m *memStore) CountBefore(_ context.Context, symbol, timeframe string, ts int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.series[model.SeriesKey(symbol, timeframe)]
	return sort.Search(len(rows), func(i int) bool { return rows[i].TS >= ts }), nil
}

func (m *memStore) Symbols(_ context.Context, timeframe string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, rows := range m.series {
		if len(rows) > 0 && rows[0].Timeframe == timeframe {
			out = append(out, rows[0].Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

// cell returns the stored EMA value of one row.
func (m *memStore) cell(symbol, timeframe string, ts int64, col model.Column) (model.EMAValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.series[model.SeriesKey(symbol, timeframe)] {
		if c.TS == ts {
			return c.EMA[col], true
		}
	}
	return model.EMAValue{}, false
}

// seed stores n contiguous candles starting at ts 0 with closes from closeAt.
func (m *memStore) seed(t *testing.T, symbol, timeframe string, interval int64, n int, closeAt func(i int) float64) {
	t.Helper()
	candles := make([]model.Candle, n)
	for i := range candles {
		c := closeAt(i)
		candles[i] = model.Candle{
			Symbol: symbol, Timeframe: timeframe, TS: int64(i) * interval,
			Open: c, High: c + 1, Low: math.Max(c-1, 0.01), Close: c, Volume: 1,
		}
	}
	if err := m.UpsertCandles(context.Background(), candles); err != nil {
		t.Fatal(err)
	}
}

func flat(v float64) func(int) float64 { return func(int) float64 { return v } }

func wave(i int) float64 { return 100 + 10*math.Sin(float64(i)/7) + float64(i%5) }

func newTestEngine(t *testing.T, store model.CandleStore, periods ...int) *Engine {
	t.Helper()
	if len(periods) == 0 {
		periods = model.DefaultEMAPeriods()
	}
	reg, err := schema.NewRegistry(model.DefaultTimeframes(), periods)
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(store, reg, NewGapStats(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.10f, want %.10f (tol=%g, diff=%g)", label, got, want, tol, math.Abs(got-want))
	}
}

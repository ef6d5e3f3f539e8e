package schema

import (
	"errors"
	"testing"

	"ohlc-indicators/internal/model"
)

func TestNewRegistry_Defaults(t *testing.T) {
	r, err := NewRegistry(model.DefaultTimeframes(), []int{200, 20, 50, 20})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	table, err := r.Table("1h")
	if err != nil || table != "candles_1h" {
		t.Errorf("Table(1h) = %q, %v", table, err)
	}
	col, err := r.Column(50)
	if err != nil || col != "ema50" {
		t.Errorf("Column(50) = %q, %v", col, err)
	}
	if p, ok := r.Period("ema200"); !ok || p != 200 {
		t.Errorf("Period(ema200) = %d, %v", p, ok)
	}

	if got := r.Periods(); len(got) != 3 || got[0] != 200 || got[1] != 20 {
		t.Errorf("Periods should keep configuration order without duplicates, got %v", got)
	}
	cols := r.Columns()
	want := []model.Column{"ema20", "ema50", "ema200"}
	if len(cols) != len(want) {
		t.Fatalf("Columns: got %v", cols)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("Columns[%d] = %s, want %s", i, cols[i], want[i])
		}
	}
	if len(r.Tables()) != 9 {
		t.Errorf("expected 9 tables, got %d", len(r.Tables()))
	}
}

func TestRegistry_UnknownIdentifiers(t *testing.T) {
	r, err := NewRegistry(model.DefaultTimeframes(), []int{20})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Table("2m"); !errors.Is(err, ErrUnknownTimeframe) {
		t.Errorf("expected ErrUnknownTimeframe, got %v", err)
	}
	if _, err := r.Table("1m; DROP TABLE candles_1m"); !errors.Is(err, ErrUnknownTimeframe) {
		t.Errorf("expected ErrUnknownTimeframe for injected label, got %v", err)
	}
	if _, err := r.Column(21); !errors.Is(err, ErrUnknownPeriod) {
		t.Errorf("expected ErrUnknownPeriod, got %v", err)
	}
	if _, err := r.Timeframe("3d"); !errors.Is(err, ErrUnknownTimeframe) {
		t.Errorf("expected ErrUnknownTimeframe, got %v", err)
	}
}

func TestNewRegistry_RejectsBadConfig(t *testing.T) {
	cases := []struct {
		name    string
		tfs     model.Timeframes
		periods []int
	}{
		{"empty timeframes", nil, []int{20}},
		{"empty periods", model.DefaultTimeframes(), nil},
		{"zero period", model.DefaultTimeframes(), []int{0}},
		{"negative period", model.DefaultTimeframes(), []int{-5}},
		{"bad label", model.Timeframes{{Label: "1m'--", IntervalSec: 60}}, []int{20}},
		{"uppercase label", model.Timeframes{{Label: "1M", IntervalSec: 60}}, []int{20}},
		{"zero interval", model.Timeframes{{Label: "1m"}}, []int{20}},
		{"duplicate label", model.Timeframes{{Label: "1m", IntervalSec: 60}, {Label: "1m", IntervalSec: 60}}, []int{20}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRegistry(tc.tfs, tc.periods); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// Package schema resolves timeframes and EMA periods to the fixed storage
// identifiers (table and column names) used by the candle store.
//
// Every identifier is built and checked once when the registry is created, so
// the set of valid names is closed and enumerable: stores only ever splice
// registry-issued identifiers into SQL, never caller-supplied strings.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"ohlc-indicators/internal/model"
)

// Table is a timeframe's table identifier (e.g. "candles_1m").
type Table string

var (
	labelRe      = regexp.MustCompile(`^[0-9]{1,4}[mhdw]$`)
	identifierRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

	// ErrUnknownTimeframe is returned for a label outside the configured table.
	ErrUnknownTimeframe = errors.New("schema: unknown timeframe")
	// ErrUnknownPeriod is returned for an EMA period outside the configured set.
	ErrUnknownPeriod = errors.New("schema: unknown ema period")
)

// Registry maps (timeframe, period) to storage identifiers.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	timeframes model.Timeframes
	periods    []int
	tables     map[string]Table
	columns    map[int]model.Column
	byColumn   map[model.Column]int
}

// NewRegistry validates the configuration and builds every identifier.
func NewRegistry(timeframes model.Timeframes, periods []int) (*Registry, error) {
	if len(timeframes) == 0 {
		return nil, errors.New("schema: empty timeframe table")
	}
	if len(periods) == 0 {
		return nil, errors.New("schema: empty ema period list")
	}

	r := &Registry{
		timeframes: make(model.Timeframes, len(timeframes)),
		tables:     make(map[string]Table, len(timeframes)),
		columns:    make(map[int]model.Column, len(periods)),
		byColumn:   make(map[model.Column]int, len(periods)),
	}
	copy(r.timeframes, timeframes)

	for _, tf := range timeframes {
		if !labelRe.MatchString(tf.Label) {
			return nil, fmt.Errorf("schema: invalid timeframe label %q", tf.Label)
		}
		if tf.IntervalSec <= 0 {
			return nil, fmt.Errorf("schema: timeframe %s: non-positive interval %d", tf.Label, tf.IntervalSec)
		}
		if _, dup := r.tables[tf.Label]; dup {
			return nil, fmt.Errorf("schema: duplicate timeframe %s", tf.Label)
		}
		table := Table("candles_" + tf.Label)
		if !identifierRe.MatchString(string(table)) {
			return nil, fmt.Errorf("schema: invalid table identifier %q", table)
		}
		r.tables[tf.Label] = table
	}

	for _, p := range periods {
		if p <= 0 {
			return nil, fmt.Errorf("schema: invalid ema period %d", p)
		}
		if _, dup := r.columns[p]; dup {
			continue
		}
		col := model.Column("ema" + strconv.Itoa(p))
		if !identifierRe.MatchString(string(col)) {
			return nil, fmt.Errorf("schema: invalid column identifier %q", col)
		}
		r.columns[p] = col
		r.byColumn[col] = p
		r.periods = append(r.periods, p)
	}
	return r, nil
}

// Timeframes returns the configured timeframe table.
func (r *Registry) Timeframes() model.Timeframes { return r.timeframes }

// Timeframe looks up a timeframe by label.
func (r *Registry) Timeframe(label string) (model.Timeframe, error) {
	tf, ok := r.timeframes.Lookup(label)
	if !ok {
		return model.Timeframe{}, fmt.Errorf("%w: %q", ErrUnknownTimeframe, label)
	}
	return tf, nil
}

// Table returns the table identifier for a timeframe.
func (r *Registry) Table(label string) (Table, error) {
	t, ok := r.tables[label]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, label)
	}
	return t, nil
}

// Column returns the column identifier for an EMA period.
func (r *Registry) Column(period int) (model.Column, error) {
	c, ok := r.columns[period]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownPeriod, period)
	}
	return c, nil
}

// Period is the reverse of Column.
func (r *Registry) Period(col model.Column) (int, bool) {
	p, ok := r.byColumn[col]
	return p, ok
}

// Periods returns the configured EMA periods in configuration order.
func (r *Registry) Periods() []int {
	out := make([]int, len(r.periods))
	copy(out, r.periods)
	return out
}

// Columns returns every indicator column, ordered by period.
func (r *Registry) Columns() []model.Column {
	ps := r.Periods()
	sort.Ints(ps)
	out := make([]model.Column, len(ps))
	for i, p := range ps {
		out[i] = r.columns[p]
	}
	return out
}

// Tables returns every timeframe table in configuration order.
func (r *Registry) Tables() []Table {
	out := make([]Table, 0, len(r.timeframes))
	for _, tf := range r.timeframes {
		out = append(out, r.tables[tf.Label])
	}
	return out
}

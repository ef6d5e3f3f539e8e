// Package indicator computes EMA columns over stored candle history and keeps
// them free of holes: the engine recomputes a range with enough warm-up
// context, marks ranges it cannot compute with a sentinel, and re-scans its
// own output for gaps to repair.
//
// The engine performs read-compute-write cycles without optimistic locking.
// Callers serialize work per (symbol, timeframe); see Trigger and Sweeper.
package indicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"ohlc-indicators/internal/logger"
	"ohlc-indicators/internal/model"
	"ohlc-indicators/internal/schema"
	"ohlc-indicators/internal/validation"
)

var (
	// ErrAnchorNotFound means the row at StartTS is not stored. Nothing was written.
	ErrAnchorNotFound = errors.New("indicator: start row not found")
	// ErrNoData means the context window holds no rows at all.
	ErrNoData = errors.New("indicator: no rows in context window")
	// ErrUnknownTimeframe is returned by entry points that accept external labels.
	ErrUnknownTimeframe = schema.ErrUnknownTimeframe
)

// ComputeRequest selects the cells to (re)compute: every period in Periods
// for the stored rows with StartTS <= ts <= EndTS.
type ComputeRequest struct {
	Symbol    string
	Timeframe string
	Periods   []int
	StartTS   int64
	EndTS     int64
}

// Engine computes and repairs EMA columns in the candle store.
type Engine struct {
	store  model.CandleStore
	schema *schema.Registry
	stats  *GapStats
	log    *slog.Logger

	// OnCompute is called once per Compute with its duration and update count.
	OnCompute func(d time.Duration, updated int)
	// OnSentinel is called whenever a range is marked with the sentinel.
	OnSentinel func(symbol, timeframe, reason string)
	// OnPoints receives the computed cells written for the request's end row.
	// Repair passes do not report points.
	OnPoints func(ctx context.Context, points []model.EMAPoint)
	// OnRepair is called after every repair pass that found gaps.
	OnRepair func(symbol, timeframe string, gaps, fixed int)
}

// NewEngine wires an engine to its store and schema. stats may be nil.
func NewEngine(store model.CandleStore, reg *schema.Registry, stats *GapStats, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:  store,
		schema: reg,
		stats:  stats,
		log:    log.With(slog.String("component", "indicator")),
	}
}

// Schema returns the registry the engine resolves identifiers with.
func (e *Engine) Schema() *schema.Registry { return e.schema }

// Stats returns the gap statistics accumulator (possibly nil).
func (e *Engine) Stats() *GapStats { return e.stats }

// Compute recomputes the requested range and returns the number of computed
// cells written, including cells fixed by the one repair pass it may trigger.
//
// Invalid or insufficient context is not an error: the range is marked with
// the sentinel and 0 is returned. Store failures are returned wrapped, along
// with the cells written before the failure.
//
// Compute panics on a timeframe or period outside the schema registry.
func (e *Engine) Compute(ctx context.Context, req ComputeRequest) (int, error) {
	return e.compute(ctx, req, true)
}

func (e *Engine) compute(ctx context.Context, req ComputeRequest, allowRepair bool) (updated int, err error) {
	began := time.Now()
	defer func() {
		if e.OnCompute != nil {
			e.OnCompute(time.Since(began), updated)
		}
	}()

	tf := e.mustTimeframe(req.Timeframe)
	cols := e.mustColumns(req.Periods)
	if len(cols) == 0 {
		return 0, nil
	}
	if req.EndTS < req.StartTS {
		req.EndTS = req.StartTS
	}

	log := e.log.With(
		slog.String("symbol", req.Symbol),
		slog.String("timeframe", req.Timeframe),
		slog.Int64("start_ts", req.StartTS),
		slog.Int64("end_ts", req.EndTS),
	)
	log = log.With(logger.LogWithTrace(ctx)...)

	maxP := model.MaxPeriod(req.Periods)
	interval := tf.IntervalSec
	gapLen := (req.EndTS-req.StartTS)/interval + 1
	from := req.StartTS - (int64(maxP)+gapLen)*interval

	rows, err := e.store.RangeScan(ctx, req.Symbol, req.Timeframe, from, req.EndTS)
	if err != nil {
		return 0, fmt.Errorf("load window %s: %w", model.SeriesKey(req.Symbol, req.Timeframe), err)
	}
	if len(rows) == 0 {
		log.Warn("no rows in context window")
		return 0, ErrNoData
	}

	anchor := sort.Search(len(rows), func(i int) bool { return rows[i].TS >= req.StartTS })
	if anchor == len(rows) || rows[anchor].TS != req.StartTS {
		log.Warn("start row not found")
		return 0, ErrAnchorNotFound
	}

	// A row needs maxP committed rows before it. Near the head of the series
	// the anchor may sit inside that warm-up prefix; if the range reaches past
	// it, start at the first row that has a full context.
	effStart := anchor
	seriesIdx := anchor // lower bound; exact whenever it matters for warm-up
	if anchor < maxP {
		before, err := e.store.CountBefore(ctx, req.Symbol, req.Timeframe, req.StartTS)
		if err != nil {
			return 0, fmt.Errorf("count before %d: %w", req.StartTS, err)
		}
		seriesIdx = before
		if before < maxP {
			head := anchor + (maxP - before)
			if head < len(rows) {
				effStart = head
				seriesIdx = maxP
				log.Debug("range starts in warm-up prefix",
					slog.Int("series_index", before),
					slog.Int64("effective_start_ts", rows[head].TS))
			}
		}
	}
	startTS := rows[effStart].TS
	rangeRows := rows[effStart:]

	// The pre-gap context is the maxP committed rows strictly before the
	// effective start, never this call's own output.
	ctxFrom := effStart - maxP
	if ctxFrom < 0 {
		ctxFrom = 0
	}
	verdict := validation.ValidateForIndicator(rows[ctxFrom:effStart], maxP, interval)
	if !verdict.Valid {
		log.Info("context rejected, marking sentinel", slog.String("reason", verdict.Reason), slog.Int("period", maxP))
		if err := e.markSentinel(ctx, req.Symbol, req.Timeframe, rangeRows, cols, verdict.Reason); err != nil {
			return 0, err
		}
		return 0, nil
	}

	closes := make([]float64, len(rows))
	for i := range rows {
		closes[i] = rows[i].Close
	}

	var last []model.EMAPoint
	for i, p := range req.Periods {
		col := cols[i]
		if len(rows) < p {
			reason := fmt.Sprintf("insufficient rows: %d < %d", len(rows), p)
			log.Info("period lacks history, marking sentinel", slog.Int("period", p), slog.String("reason", reason))
			if err := e.markSentinel(ctx, req.Symbol, req.Timeframe, rangeRows, []model.Column{col}, reason); err != nil {
				return updated, err
			}
			continue
		}

		series := EMASeries(closes, p)
		writes := make([]model.IndicatorWrite, 0, len(rangeRows))
		computed := 0
		for j := effStart; j < len(rows); j++ {
			v := series[j]
			w := model.IndicatorWrite{TS: rows[j].TS, Column: col}
			if !math.IsNaN(v) {
				w.Value = model.Computed(v)
				computed++
			}
			writes = append(writes, w)
		}
		if _, err := e.store.WriteIndicators(ctx, req.Symbol, req.Timeframe, writes); err != nil {
			return updated, fmt.Errorf("write %s: %w", col, err)
		}
		updated += computed

		if v := series[len(rows)-1]; !math.IsNaN(v) && rows[len(rows)-1].TS == req.EndTS {
			last = append(last, model.EMAPoint{
				Symbol: req.Symbol, Timeframe: req.Timeframe, Period: p,
				TS: rows[len(rows)-1].TS, Value: v,
			})
		}
	}
	if allowRepair && e.OnPoints != nil && len(last) > 0 {
		e.OnPoints(ctx, last)
	}

	// Postflight: re-read what was just written and look for holes.
	post, err := e.store.RangeScan(ctx, req.Symbol, req.Timeframe, startTS, req.EndTS)
	if err != nil {
		return updated, fmt.Errorf("postflight read: %w", err)
	}
	q := e.gapQuery(cols, interval, seriesIdx, ScanIncremental)
	for _, col := range cols {
		nulls, sentinels := countMissing(post, col, q.PeriodByColumn[col], seriesIdx)
		e.stats.RecordPostflight(req.Symbol, req.Timeframe, col, nulls, sentinels)
	}
	gaps := FindGaps(post, q)
	if len(gaps) == 0 {
		log.Debug("ema computed", slog.Int("updated", updated), slog.String("periods", model.FormatPeriods(req.Periods)))
		return updated, nil
	}
	if !allowRepair {
		log.Debug("postflight gaps left for next trigger", slog.Int("gaps", len(gaps)))
		return updated, nil
	}

	log.Info("postflight found gaps, repairing", slog.Int("gaps", len(gaps)))
	fixed, err := e.FindAndFixGaps(ctx, RepairRequest{
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Rows:      post,
		Periods:   req.Periods,
		Offset:    seriesIdx,
	})
	return updated + fixed, err
}

func (e *Engine) markSentinel(ctx context.Context, symbol, timeframe string, rows []model.Candle, cols []model.Column, reason string) error {
	writes := make([]model.IndicatorWrite, 0, len(rows)*len(cols))
	for _, col := range cols {
		for i := range rows {
			writes = append(writes, model.IndicatorWrite{TS: rows[i].TS, Column: col, Value: model.Invalid()})
		}
	}
	if _, err := e.store.WriteIndicators(ctx, symbol, timeframe, writes); err != nil {
		return fmt.Errorf("write sentinel: %w", err)
	}
	if e.OnSentinel != nil {
		e.OnSentinel(symbol, timeframe, reason)
	}
	return nil
}

func (e *Engine) gapQuery(cols []model.Column, intervalSec int64, offset int, mode ScanMode) GapQuery {
	byCol := make(map[model.Column]int, len(cols))
	for _, c := range cols {
		p, _ := e.schema.Period(c)
		byCol[c] = p
	}
	return GapQuery{
		Columns:        cols,
		PeriodByColumn: byCol,
		IntervalSec:    intervalSec,
		Offset:         offset,
		Mode:           mode,
	}
}

func (e *Engine) mustTimeframe(label string) model.Timeframe {
	tf, err := e.schema.Timeframe(label)
	if err != nil {
		panic(err)
	}
	return tf
}

func (e *Engine) mustColumns(periods []int) []model.Column {
	cols := make([]model.Column, len(periods))
	for i, p := range periods {
		c, err := e.schema.Column(p)
		if err != nil {
			panic(err)
		}
		cols[i] = c
	}
	return cols
}

package indicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"ohlc-indicators/internal/model"
	"ohlc-indicators/internal/validation"
)

// SweepOptions scopes one maintenance pass.
type SweepOptions struct {
	Timeframes []string // empty means every configured timeframe
	Symbols    []string // empty means every symbol found in the store
	FullScan   bool
	Workers    int
}

// SweepReport is the outcome for one (symbol, timeframe).
type SweepReport struct {
	Symbol         string                 `json:"symbol"`
	Timeframe      string                 `json:"timeframe"`
	Rows           int                    `json:"rows"`
	Fixed          int                    `json:"fixed"`
	MissingCandles []validation.CandleGap `json:"missing_candles,omitempty"`
	Duration       time.Duration          `json:"duration"`
	Err            error                  `json:"-"`
}

// Sweeper periodically re-scans stored history for indicator gaps and raw
// candle holes. It shares the trigger's per-key locks.
type Sweeper struct {
	engine  *Engine
	locks   *KeyedMutex
	periods []int
	log     *slog.Logger

	// OnReport is called for every finished key.
	OnReport func(r SweepReport)
}

// NewSweeper creates a sweeper over the engine's store.
func NewSweeper(engine *Engine, locks *KeyedMutex, periods []int) *Sweeper {
	return &Sweeper{
		engine:  engine,
		locks:   locks,
		periods: periods,
		log:     engine.log.With(slog.String("component", "sweeper")),
	}
}

type sweepKey struct {
	symbol string
	tf     model.Timeframe
}

// Run sweeps every selected key, in parallel across keys. Per-key failures
// are reported in the returned slice and joined into the error.
func (s *Sweeper) Run(ctx context.Context, opts SweepOptions) ([]SweepReport, error) {
	keys, err := s.keys(ctx, opts)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	reports := make([]SweepReport, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, k := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reports[i] = s.sweepKey(gctx, k, opts.FullScan)
			if s.OnReport != nil {
				s.OnReport(reports[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}

	var errs []error
	for _, r := range reports {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", model.SeriesKey(r.Symbol, r.Timeframe), r.Err))
		}
	}
	return reports, errors.Join(errs...)
}

// RunEvery sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) RunEvery(ctx context.Context, interval time.Duration, opts SweepOptions) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			reports, err := s.Run(ctx, opts)
			fixed, holes := 0, 0
			for _, r := range reports {
				fixed += r.Fixed
				holes += len(r.MissingCandles)
			}
			if err != nil && ctx.Err() == nil {
				s.log.Warn("sweep finished with errors", slog.Any("error", err))
			}
			s.log.Info("sweep done",
				slog.Int("keys", len(reports)),
				slog.Int("fixed", fixed),
				slog.Int("candle_gaps", holes),
				slog.Duration("took", time.Since(start)))
		}
	}
}

func (s *Sweeper) keys(ctx context.Context, opts SweepOptions) ([]sweepKey, error) {
	reg := s.engine.schema
	var tfs []model.Timeframe
	if len(opts.Timeframes) == 0 {
		tfs = reg.Timeframes()
	} else {
		for _, label := range opts.Timeframes {
			tf, err := reg.Timeframe(label)
			if err != nil {
				return nil, err
			}
			tfs = append(tfs, tf)
		}
	}

	var keys []sweepKey
	for _, tf := range tfs {
		symbols := opts.Symbols
		if len(symbols) == 0 {
			found, err := s.engine.store.Symbols(ctx, tf.Label)
			if err != nil {
				return nil, fmt.Errorf("list symbols %s: %w", tf.Label, err)
			}
			symbols = found
		}
		for _, sym := range symbols {
			keys = append(keys, sweepKey{symbol: sym, tf: tf})
		}
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].symbol < keys[j].symbol })
	return keys, nil
}

func (s *Sweeper) sweepKey(ctx context.Context, k sweepKey, fullScan bool) (r SweepReport) {
	began := time.Now()
	r = SweepReport{Symbol: k.symbol, Timeframe: k.tf.Label}
	defer func() { r.Duration = time.Since(began) }()

	unlock := s.locks.Lock(model.SeriesKey(k.symbol, k.tf.Label))
	defer unlock()

	store := s.engine.store
	last, ok, err := store.LastTimestamp(ctx, k.symbol, k.tf.Label)
	if err != nil {
		r.Err = fmt.Errorf("last timestamp: %w", err)
		return r
	}
	if !ok {
		return r
	}
	first, _, err := store.FirstTimestamp(ctx, k.symbol, k.tf.Label)
	if err != nil {
		r.Err = fmt.Errorf("first timestamp: %w", err)
		return r
	}
	from := first
	if k.tf.AllowedHistory > 0 && last-k.tf.AllowedHistory > from {
		from = last - k.tf.AllowedHistory
	}

	rows, err := store.RangeScan(ctx, k.symbol, k.tf.Label, from, last)
	if err != nil {
		r.Err = fmt.Errorf("load history: %w", err)
		return r
	}
	r.Rows = len(rows)
	if len(rows) == 0 {
		return r
	}
	offset := 0
	if rows[0].TS > first {
		if offset, err = store.CountBefore(ctx, k.symbol, k.tf.Label, rows[0].TS); err != nil {
			r.Err = fmt.Errorf("count before: %w", err)
			return r
		}
	}

	r.Fixed, r.Err = s.engine.FindAndFixGaps(ctx, RepairRequest{
		Symbol:    k.symbol,
		Timeframe: k.tf.Label,
		Rows:      rows,
		Periods:   s.periods,
		Offset:    offset,
		FullScan:  fullScan,
	})
	r.MissingCandles = validation.FindMissingCandles(rows, k.tf.IntervalSec)
	if len(r.MissingCandles) > 0 {
		missing := 0
		for _, g := range r.MissingCandles {
			missing += g.Missing
		}
		s.log.Warn("candle history has holes",
			slog.String("symbol", k.symbol),
			slog.String("timeframe", k.tf.Label),
			slog.Int("gaps", len(r.MissingCandles)),
			slog.Int("missing", missing))
	}
	return r
}

package indicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ohlc-indicators/internal/model"
)

// RepairRequest hands already-loaded rows to the repair orchestrator.
type RepairRequest struct {
	Symbol    string
	Timeframe string
	Rows      []model.Candle // ascending by timestamp
	Periods   []int
	Offset    int  // series index of Rows[0]
	FullScan  bool // treat columns with no set value as one gap over Rows
}

// FindAndFixGaps detects gaps in req.Rows and recomputes each one on its own
// period. It returns the number of cells fixed.
//
// Recomputations issued here never trigger a further repair pass, so one call
// costs at most one Compute per gap. Gaps whose context is still invalid stay
// sentinel until the next trigger or sweep. Per-gap failures are logged, do
// not stop the batch, and are returned joined.
func (e *Engine) FindAndFixGaps(ctx context.Context, req RepairRequest) (int, error) {
	tf := e.mustTimeframe(req.Timeframe)
	cols := e.mustColumns(req.Periods)

	mode := ScanIncremental
	if req.FullScan {
		mode = ScanFull
	}
	gaps := FindGaps(req.Rows, e.gapQuery(cols, tf.IntervalSec, req.Offset, mode))
	e.stats.Record(req.Symbol, req.Timeframe, gaps, tf.IntervalSec)
	if len(gaps) == 0 {
		return 0, nil
	}

	log := e.log.With(
		slog.String("symbol", req.Symbol),
		slog.String("timeframe", req.Timeframe),
		slog.String("mode", mode.String()),
	)
	log.Info("repairing gaps", slog.Int("gaps", len(gaps)))

	var (
		fixed int
		errs  []error
	)
	for _, g := range gaps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := e.compute(ctx, ComputeRequest{
			Symbol:    req.Symbol,
			Timeframe: req.Timeframe,
			Periods:   []int{g.Period},
			StartTS:   g.StartTS,
			EndTS:     g.EndTS,
		}, false)
		fixed += n
		if err != nil {
			log.Warn("gap repair failed",
				slog.String("column", string(g.Column)),
				slog.Int64("gap_start", g.StartTS),
				slog.Int64("gap_end", g.EndTS),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s [%d,%d]: %w", g.Column, g.StartTS, g.EndTS, err))
		}
	}

	e.stats.RecordRepaired(req.Symbol, req.Timeframe, fixed)
	if e.OnRepair != nil {
		e.OnRepair(req.Symbol, req.Timeframe, len(gaps), fixed)
	}
	log.Info("gap repair done", slog.Int("gaps", len(gaps)), slog.Int("fixed", fixed), slog.Int("failed", len(errs)))
	return fixed, errors.Join(errs...)
}

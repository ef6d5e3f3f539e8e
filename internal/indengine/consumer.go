package indengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ohlc-indicators/internal/logger"
	"ohlc-indicators/internal/model"
	"ohlc-indicators/internal/validation"
)

// processLoop consumes confirmed candles until ctx is cancelled or the
// channel is closed.
func (svc *Service) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-svc.candleCh:
			if !ok {
				return
			}
			if _, err := svc.handleCandle(ctx, c); err != nil {
				svc.log.Error("candle handling failed",
					slog.String("symbol", c.Symbol),
					slog.String("timeframe", c.Timeframe),
					slog.Int64("ts", c.TS),
					slog.Any("error", err))
			}
		}
	}
}

// handleCandle validates and stores one confirmed candle, then recomputes
// the EMA cells at its timestamp. Rejected candles are dropped without error.
func (svc *Service) handleCandle(ctx context.Context, c model.Candle) (int, error) {
	tf, err := svc.reg.Timeframe(c.Timeframe)
	if err != nil {
		svc.prom.CandlesRejected.WithLabelValues(c.Timeframe, "unknown timeframe").Inc()
		return 0, err
	}
	if v := validation.Preflight(c, tf.IntervalSec); !v.Valid {
		svc.prom.CandlesRejected.WithLabelValues(tf.Label, v.Reason).Inc()
		svc.log.Warn("candle rejected",
			slog.String("symbol", c.Symbol),
			slog.String("timeframe", tf.Label),
			slog.Int64("ts", c.TS),
			slog.String("reason", v.Reason))
		return 0, nil
	}

	start := time.Now()
	if err := svc.store.UpsertCandles(ctx, []model.Candle{c}); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	svc.prom.SQLiteUpsertDur.Observe(time.Since(start).Seconds())
	svc.prom.CandlesIngested.WithLabelValues(tf.Label).Inc()
	svc.health.SetLastCandleTime(time.Now())

	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(c.Symbol, tf.Label, c.TS))
	n, err := svc.trigger.OnCandle(ctx, c.Symbol, tf.Label, c.TS)
	if err != nil {
		return n, fmt.Errorf("ema trigger: %w", err)
	}
	return n, nil
}

// Package indengine wires the EMA service: Bybit ingest into the candle
// store, the per-candle trigger, the maintenance sweeper, Redis fan-out,
// the query API and the metrics server.
package indengine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ohlc-indicators/internal/api"
	"ohlc-indicators/internal/indicator"
	"ohlc-indicators/internal/marketdata/bybit"
	"ohlc-indicators/internal/metrics"
	"ohlc-indicators/internal/model"
	"ohlc-indicators/internal/schema"
	redisstore "ohlc-indicators/internal/store/redis"
	sqlitestore "ohlc-indicators/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// candleDB is the store surface the service needs beyond model.CandleStore.
type candleDB interface {
	model.CandleStore
	DB() *sql.DB
	Close() error
}

// Service is the top-level orchestrator. It owns every goroutine it starts.
type Service struct {
	cfg Config
	log *slog.Logger

	reg     *schema.Registry
	store   candleDB
	redis   *redisstore.Publisher // nil in tests
	pub     model.EMAPublisher
	buffer  *redisstore.BufferedPublisher
	prom    *metrics.Metrics
	health  *metrics.HealthStatus
	stats   *indicator.GapStats
	engine  *indicator.Engine
	trigger *indicator.Trigger
	sweeper *indicator.Sweeper
	feed    *bybit.Client

	candleCh chan model.Candle
}

// New opens SQLite and Redis and wires the service. A Redis outage at
// startup is not fatal: publishes are buffered until it comes back.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Service, error) {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}

	reg, err := schema.NewRegistry(cfg.Settings.TimeframeTable(), cfg.Settings.EMAPeriods)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	if dir := filepath.Dir(cfg.Env.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlitestore.Open(ctx, sqlitestore.Config{DBPath: cfg.Env.SQLitePath}, reg)
	if err != nil {
		return nil, err
	}

	redisCfg := redisstore.Config{
		Addr:         cfg.Env.RedisAddr,
		Password:     cfg.Env.RedisPassword,
		StreamMaxLen: cfg.Settings.Publish.StreamMaxLen,
	}
	rp, err := redisstore.New(redisCfg)
	if err != nil {
		log.Warn("redis unavailable at startup, EMA publishes will be buffered", slog.Any("error", err))
		rp = redisstore.NewWithClient(goredis.NewClient(&goredis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
		}), redisCfg)
	}

	svc := assemble(ctx, cfg, reg, store, rp, prometheus.DefaultRegisterer, log)
	svc.redis = rp

	svc.feed, err = bybit.New(bybit.Config{
		URL:        cfg.Env.BybitWSURL,
		Symbols:    cfg.Settings.Symbols,
		Timeframes: reg.Timeframes(),
	})
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.feed.OnConnect = func() { svc.health.SetWSConnected(true) }
	svc.feed.OnDisconnect = func(error) { svc.health.SetWSConnected(false) }
	svc.feed.OnReconnect = func() { svc.prom.WSReconnects.Inc() }
	return svc, nil
}

// assemble builds the engine, its hooks and the publish path around
// already-open stores.
func assemble(ctx context.Context, cfg Config, reg *schema.Registry, store candleDB, pub model.EMAPublisher, promReg prometheus.Registerer, log *slog.Logger) *Service {
	cfg.defaults()
	svc := &Service{
		cfg:      cfg,
		log:      log.With(slog.String("component", "indengine")),
		reg:      reg,
		store:    store,
		prom:     metrics.NewMetrics(promReg),
		health:   metrics.NewHealthStatus(),
		stats:    indicator.NewGapStats(),
		candleCh: make(chan model.Candle, cfg.CandleBuffer),
	}
	svc.health.SetTimeframes(reg.Timeframes().Labels())
	svc.health.SetSQLiteOK(true)

	cb := redisstore.NewCircuitBreaker(cfg.BreakerFails, cfg.BreakerReset)
	cb.OnStateChange = func(from, to redisstore.State) {
		svc.prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			svc.prom.RedisCircuitBreakerTrips.Inc()
			svc.health.SetRedisConnected(false)
		}
		if to == redisstore.StateClosed {
			svc.health.SetRedisConnected(true)
		}
		svc.log.Info("redis circuit breaker", slog.String("from", from.String()), slog.String("to", to.String()))
	}
	svc.buffer = redisstore.NewBufferedPublisher(context.WithoutCancel(ctx), pub, cb, cfg.Settings.Publish.BufferSize)
	svc.buffer.OnBuffer = func(n int) { svc.prom.RedisBufferedPoints.Add(float64(n)) }
	svc.buffer.OnFlush = func(n int) { svc.prom.RedisFlushedPoints.Add(float64(n)) }
	svc.pub = svc.buffer

	periods := cfg.Settings.EMAPeriods
	locks := indicator.NewKeyedMutex()
	svc.engine = indicator.NewEngine(store, reg, svc.stats, log)
	svc.engine.OnCompute = svc.prom.ObserveCompute
	svc.engine.OnSentinel = func(_, timeframe, _ string) {
		svc.prom.SentinelsWritten.WithLabelValues(timeframe).Inc()
	}
	svc.engine.OnRepair = func(_, timeframe string, gaps, fixed int) {
		svc.prom.GapsFound.WithLabelValues(timeframe).Add(float64(gaps))
		svc.prom.GapsFixed.WithLabelValues(timeframe).Add(float64(fixed))
	}
	svc.engine.OnPoints = svc.publish
	svc.trigger = indicator.NewTrigger(svc.engine, locks, periods)
	svc.sweeper = indicator.NewSweeper(svc.engine, locks, periods)
	svc.sweeper.OnReport = svc.observeSweep
	return svc
}

// Run starts all subsystems and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	s := svc.cfg.Settings
	svc.log.Info("starting EMA service",
		slog.Any("symbols", s.Symbols),
		slog.Any("timeframes", svc.reg.Timeframes().Labels()),
		slog.String("periods", model.FormatPeriods(svc.reg.Periods())))

	metricsSrv := metrics.NewServer(svc.cfg.Env.MetricsAddr, svc.health, nil)
	metricsSrv.Start()

	handler := api.NewHandler(svc.store, svc.reg, svc.stats, svc.sweeper, svc.log)
	apiSrv := api.NewServer(svc.cfg.Env.APIAddr, api.NewRouter(handler, svc.log))
	apiSrv.Start()

	var rdb *goredis.Client
	if svc.redis != nil {
		rdb = svc.redis.Client()
		svc.health.CheckRedis(ctx, rdb)
	}
	svc.health.CheckSQLite(ctx, svc.store.DB())
	svc.health.StartLivenessChecker(ctx, rdb, svc.store.DB(), svc.cfg.HealthInterval)

	if svc.feed != nil {
		go func() {
			if err := svc.feed.Start(ctx, svc.candleCh); err != nil {
				svc.log.Error("bybit feed stopped", slog.Any("error", err))
			}
		}()
	}
	if s.Sweep.Enabled {
		go svc.sweepLoop(ctx)
	}
	go svc.processLoop(ctx)

	<-ctx.Done()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiSrv.Stop(shutCtx); err != nil {
		svc.log.Warn("api shutdown", slog.Any("error", err))
	}
	metricsSrv.Stop(shutCtx)
	svc.close()
	svc.log.Info("shutdown complete")
	return nil
}

// sweepLoop runs one sweep right away, then on the configured interval.
func (svc *Service) sweepLoop(ctx context.Context) {
	sw := svc.cfg.Settings.Sweep
	opts := indicator.SweepOptions{FullScan: sw.FullScan, Workers: sw.Workers}
	if _, err := svc.sweeper.Run(ctx, opts); err != nil && ctx.Err() == nil {
		svc.log.Warn("startup sweep finished with errors", slog.Any("error", err))
	}
	svc.sweeper.RunEvery(ctx, sw.Interval, opts)
}

func (svc *Service) observeSweep(r indicator.SweepReport) {
	svc.prom.SweepDuration.Observe(r.Duration.Seconds())
	if len(r.MissingCandles) > 0 {
		svc.prom.CandleGaps.WithLabelValues(r.Timeframe).Add(float64(len(r.MissingCandles)))
	}
	if r.Err != nil {
		svc.prom.SweepKeyErrors.Inc()
	}
}

// publish hands freshly computed points to the buffered Redis publisher.
// The publish outlives cancellation of ctx, bounded by PublishTimeout.
func (svc *Service) publish(ctx context.Context, points []model.EMAPoint) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), svc.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	err := svc.pub.PublishEMA(pctx, points)
	svc.prom.RedisPublishDur.Observe(time.Since(start).Seconds())
	if err != nil {
		svc.log.Warn("ema publish failed, points buffered", slog.Int("points", len(points)), slog.Any("error", err))
	}
}

func (svc *Service) close() {
	if svc.buffer != nil && svc.buffer.PendingCount() > 0 {
		svc.buffer.Flush()
	}
	if svc.redis != nil {
		svc.redis.Close()
	}
	if err := svc.store.Close(); err != nil {
		svc.log.Warn("sqlite close", slog.Any("error", err))
	}
}

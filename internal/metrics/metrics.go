package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the EMA service.
type Metrics struct {
	CandlesIngested  *prometheus.CounterVec // labels: tf
	CandlesRejected  *prometheus.CounterVec // labels: tf, reason
	WSReconnects     prometheus.Counter
	SQLiteUpsertDur  prometheus.Histogram
	EMAComputeDur    prometheus.Histogram
	EMAValuesUpdated prometheus.Counter
	SentinelsWritten *prometheus.CounterVec // labels: tf

	// Gap maintenance
	GapsFound      *prometheus.CounterVec // labels: tf
	GapsFixed      *prometheus.CounterVec // labels: tf
	SweepDuration  prometheus.Histogram
	CandleGaps     *prometheus.CounterVec // labels: tf
	SweepKeyErrors prometheus.Counter

	// Redis publish path
	RedisPublishDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedPoints      prometheus.Counter
	RedisFlushedPoints       prometheus.Counter
}

// NewMetrics creates all metrics and registers them on reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CandlesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emasvc_candles_ingested_total",
			Help: "Confirmed candles upserted into the store",
		}, []string{"tf"}),
		CandlesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emasvc_candles_rejected_total",
			Help: "Candles dropped by the ingest preflight",
		}, []string{"tf", "reason"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emasvc_ws_reconnects_total",
			Help: "Exchange WebSocket reconnection attempts",
		}),
		SQLiteUpsertDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emasvc_sqlite_upsert_duration_seconds",
			Help:    "Candle upsert latency",
			Buckets: prometheus.DefBuckets,
		}),
		EMAComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emasvc_ema_compute_duration_seconds",
			Help:    "Duration of one EMA compute, including postflight",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),
		EMAValuesUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emasvc_ema_values_updated_total",
			Help: "Computed EMA cells written",
		}),
		SentinelsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emasvc_ema_sentinel_ranges_total",
			Help: "Ranges marked with the -1 sentinel",
		}, []string{"tf"}),

		GapsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emasvc_ema_gaps_found_total",
			Help: "EMA gaps detected by postflight or sweep",
		}, []string{"tf"}),
		GapsFixed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emasvc_ema_gaps_fixed_total",
			Help: "EMA cells filled by gap repair",
		}, []string{"tf"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emasvc_sweep_key_duration_seconds",
			Help:    "Duration of one (symbol, timeframe) maintenance sweep",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		CandleGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emasvc_candle_gaps_total",
			Help: "Holes in stored candle history found by the sweeper",
		}, []string{"tf"}),
		SweepKeyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emasvc_sweep_key_errors_total",
			Help: "Sweeps of a single key that returned an error",
		}),

		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emasvc_redis_publish_duration_seconds",
			Help:    "Redis EMA pipeline latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emasvc_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emasvc_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emasvc_redis_buffered_points_total",
			Help: "EMA points buffered locally while Redis was unavailable",
		}),
		RedisFlushedPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emasvc_redis_flushed_points_total",
			Help: "Buffered EMA points replayed after Redis recovered",
		}),
	}

	reg.MustRegister(
		m.CandlesIngested,
		m.CandlesRejected,
		m.WSReconnects,
		m.SQLiteUpsertDur,
		m.EMAComputeDur,
		m.EMAValuesUpdated,
		m.SentinelsWritten,
		m.GapsFound,
		m.GapsFixed,
		m.SweepDuration,
		m.CandleGaps,
		m.SweepKeyErrors,
		m.RedisPublishDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedPoints,
		m.RedisFlushedPoints,
	)

	return m
}

// ObserveCompute records one engine compute.
func (m *Metrics) ObserveCompute(d time.Duration, updated int) {
	m.EMAComputeDur.Observe(d.Seconds())
	m.EMAValuesUpdated.Add(float64(updated))
}

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastCandleTime time.Time `json:"last_candle_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	Timeframes     []string  `json:"timeframes"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), now: time.Now}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	h.LastCandleTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetTimeframes(labels []string) {
	h.mu.Lock()
	h.Timeframes = labels
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either handle may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles /healthz. SQLite is required for "healthy";
// a missing WS feed or Redis only degrades the service.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.WSConnected || !h.RedisConnected {
		overallStatus = "degraded"
	}
	if !h.SQLiteOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	candleAge := ""
	lastCandle := ""
	if !h.LastCandleTime.IsZero() {
		candleAge = h.now().Sub(h.LastCandleTime).Round(time.Millisecond).String()
		lastCandle = h.LastCandleTime.Format(time.RFC3339)
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		WSConnected     bool     `json:"ws_connected"`
		LastCandleTime  string   `json:"last_candle_time"`
		CandleAge       string   `json:"candle_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Timeframes      []string `json:"timeframes"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          h.now().Sub(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastCandleTime:  lastCandle,
		CandleAge:       candleAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Timeframes:      h.Timeframes,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server. A nil gatherer serves the
// default Prometheus registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

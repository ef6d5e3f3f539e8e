package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"ohlc-indicators/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultStreamMaxLen = 1000
	defaultLatestTTL    = 30 * time.Minute
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	StreamMaxLen int64         // approximate XADD trim length per stream
	LatestTTL    time.Duration // expiry of the latest-value keys
}

// Publisher fans freshly computed EMA readings out to Redis:
// a latest-value key, a PubSub channel and a capped stream per series.
type Publisher struct {
	client *goredis.Client
	maxLen int64
	ttl    time.Duration
}

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client. Addr, Password and DB are ignored.
func NewWithClient(client *goredis.Client, cfg Config) *Publisher {
	p := &Publisher{client: client, maxLen: cfg.StreamMaxLen, ttl: cfg.LatestTTL}
	if p.maxLen <= 0 {
		p.maxLen = defaultStreamMaxLen
	}
	if p.ttl <= 0 {
		p.ttl = defaultLatestTTL
	}
	return p
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Close closes the client.
func (p *Publisher) Close() error { return p.client.Close() }

// PublishEMA writes every computed point in a single pipeline:
// SET latest, PUBLISH and XADD. Sentinel or non-finite values are skipped.
func (p *Publisher) PublishEMA(ctx context.Context, points []model.EMAPoint) error {
	if len(points) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	queued := 0
	for i := range points {
		pt := &points[i]
		if !model.Computed(pt.Value).IsComputed() {
			continue
		}
		data := string(pt.JSON())
		pipe.Set(ctx, LatestKey(pt.Timeframe, pt.Symbol, pt.Period), data, p.ttl)
		pipe.Publish(ctx, Channel(pt.Timeframe, pt.Symbol), data)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: StreamKey(pt.Timeframe, pt.Symbol),
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		queued++
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] ema pipeline error (%d points): %v", queued, err)
		return fmt.Errorf("redis ema pipeline: %w", err)
	}
	return nil
}

// LatestKey is the key holding the most recent reading of one period.
func LatestKey(timeframe, symbol string, period int) string {
	return "ema:" + timeframe + ":" + strconv.Itoa(period) + ":latest:" + symbol
}

// Channel is the PubSub channel for a series.
func Channel(timeframe, symbol string) string {
	return "pub:ema:" + timeframe + ":" + symbol
}

// StreamKey is the capped stream for a series.
func StreamKey(timeframe, symbol string) string {
	return "stream:ema:" + timeframe + ":" + symbol
}

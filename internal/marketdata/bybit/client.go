// Package bybit streams confirmed klines from the Bybit v5 public WebSocket.
//
// Topics are "kline.<interval>.<symbol>". Only candles with confirm=true are
// forwarded; the forming bar updates are dropped.
package bybit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"sync"
	"time"

	"ohlc-indicators/internal/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// maxArgsPerSubscribe is the exchange limit on topics in one subscribe op.
const maxArgsPerSubscribe = 10

// Config holds configuration for the Bybit ingest.
type Config struct {
	// URL of the public stream, e.g. "wss://stream.bybit.com/v5/public/linear".
	URL        string
	Symbols    []string
	Timeframes model.Timeframes

	// PingInterval is the app-level heartbeat. Defaults to 20s.
	PingInterval time.Duration
	// MinReconnectDelay and MaxReconnectDelay bound the backoff. Default 1s and 30s.
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration

	Dialer *websocket.Dialer
}

func (c *Config) defaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.MinReconnectDelay == 0 {
		c.MinReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Client keeps a subscription to the kline topics alive and pushes
// confirmed candles into the output channel.
type Client struct {
	cfg    Config
	topics []string

	// Optional hooks.
	OnConnect    func()
	OnDisconnect func(err error)
	OnReconnect  func()
}

// New validates cfg and precomputes the topic list.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("bybit: parse url: %w", err)
	}
	if len(cfg.Symbols) == 0 || len(cfg.Timeframes) == 0 {
		return nil, errors.New("bybit: no symbols or timeframes to subscribe")
	}

	var topics []string
	for _, tf := range cfg.Timeframes {
		for _, sym := range cfg.Symbols {
			topics = append(topics, Topic(tf.ExchangeInterval, sym))
		}
	}
	sort.Strings(topics)
	return &Client{cfg: cfg, topics: topics}, nil
}

// Topics returns the subscribed topics, sorted.
func (c *Client) Topics() []string {
	return append([]string(nil), c.topics...)
}

// Start streams candles into out until ctx is cancelled, reconnecting on
// every disconnect. It always returns nil once ctx is done.
func (c *Client) Start(ctx context.Context, out chan<- model.Candle) error {
	b := &backoff.Backoff{
		Min:    c.cfg.MinReconnectDelay,
		Max:    c.cfg.MaxReconnectDelay,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.runOnce(ctx, out, b)
		if err == nil {
			return nil
		}
		if c.OnDisconnect != nil {
			c.OnDisconnect(err)
		}

		delay := b.Duration()
		log.Printf("[bybit] disconnected (%v), reconnecting in %s...", err, delay)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// opRequest is an outbound subscribe or ping frame.
type opRequest struct {
	ReqID string   `json:"req_id"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

// runOnce makes a single connection and reads until disconnect or ctx cancel.
// A nil return means ctx was cancelled.
func (c *Client) runOnce(ctx context.Context, out chan<- model.Candle, b *backoff.Backoff) error {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer conn.Close()

	// gorilla allows a single concurrent writer.
	var writeMu sync.Mutex
	write := func(v opRequest) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	for start := 0; start < len(c.topics); start += maxArgsPerSubscribe {
		end := min(start+maxArgsPerSubscribe, len(c.topics))
		req := opRequest{ReqID: uuid.NewString(), Op: "subscribe", Args: c.topics[start:end]}
		if err := write(req); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	log.Printf("[bybit] connected to %s, subscribed %d topics", c.cfg.URL, len(c.topics))
	b.Reset()
	if c.OnConnect != nil {
		c.OnConnect()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				writeMu.Lock()
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
				writeMu.Unlock()
				conn.Close()
				return
			case <-ticker.C:
				if err := write(opRequest{ReqID: uuid.NewString(), Op: "ping"}); err != nil {
					log.Printf("[bybit] ping failed: %v", err)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		candles, err := ParseMessage(raw, c.cfg.Timeframes)
		if err != nil {
			log.Printf("[bybit] parse error: %v (raw: %s)", err, raw)
			continue
		}
		for _, cndl := range candles {
			select {
			case out <- cndl:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

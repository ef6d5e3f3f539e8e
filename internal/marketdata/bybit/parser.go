package bybit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"ohlc-indicators/internal/model"

	"github.com/shopspring/decimal"
)

// envelope is any frame from the public stream: a topic push or an op reply.
type envelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	ReqID   string          `json:"req_id"`
}

// kline is one element of a kline topic push. Prices arrive as strings.
type kline struct {
	Start     int64           `json:"start"` // ms
	End       int64           `json:"end"`
	Interval  string          `json:"interval"`
	Open      decimal.Decimal `json:"open"`
	Close     decimal.Decimal `json:"close"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"`
	Turnover  decimal.Decimal `json:"turnover"`
	Confirm   bool            `json:"confirm"`
	Timestamp int64           `json:"timestamp"`
}

// ControlError is returned for an op reply with success=false.
type ControlError struct {
	Op     string
	RetMsg string
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("bybit %s rejected: %s", e.Op, e.RetMsg)
}

// Topic builds the kline subscription topic.
func Topic(interval, symbol string) string {
	return "kline." + interval + "." + symbol
}

// ParseMessage decodes one frame and returns the confirmed candles it carries.
// Control replies and unconfirmed klines yield no candles.
// timeframes maps the exchange interval in the topic to a timeframe label.
func ParseMessage(raw []byte, timeframes model.Timeframes) ([]model.Candle, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Op != "" {
		if env.Success != nil && !*env.Success {
			return nil, &ControlError{Op: env.Op, RetMsg: env.RetMsg}
		}
		return nil, nil
	}
	if !strings.HasPrefix(env.Topic, "kline.") {
		return nil, nil
	}

	parts := strings.Split(env.Topic, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed topic %q", env.Topic)
	}
	interval, symbol := parts[1], parts[2]
	tf, ok := timeframes.ByExchangeInterval(interval)
	if !ok {
		return nil, fmt.Errorf("topic %s: unknown interval %q", env.Topic, interval)
	}

	var klines []kline
	data := bytes.TrimSpace(env.Data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil, nil
	case data[0] == '[':
		if err := json.Unmarshal(data, &klines); err != nil {
			return nil, fmt.Errorf("topic %s: decode klines: %w", env.Topic, err)
		}
	default:
		var k kline
		if err := json.Unmarshal(data, &k); err != nil {
			return nil, fmt.Errorf("topic %s: decode kline: %w", env.Topic, err)
		}
		klines = []kline{k}
	}

	out := make([]model.Candle, 0, len(klines))
	for _, k := range klines {
		if !k.Confirm {
			continue
		}
		out = append(out, model.Candle{
			Symbol:    symbol,
			Timeframe: tf.Label,
			TS:        k.Start / 1000,
			Open:      k.Open.InexactFloat64(),
			High:      k.High.InexactFloat64(),
			Low:       k.Low.InexactFloat64(),
			Close:     k.Close.InexactFloat64(),
			Volume:    k.Volume.InexactFloat64(),
		})
	}
	return out, nil
}

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"market-radar/internal/market"
)

// ErrMalformed marks a frame that could not be turned into samples.
var ErrMalformed = errors.New("stream: malformed frame")

// Decoder describes one venue's candle stream.
type Decoder interface {
	Venue() string
	MarketType() market.MarketType
	// Endpoint returns the URL to dial for symbols.
	Endpoint(symbols []string) string
	// Subscription is written once after connecting; nil means none.
	Subscription(symbols []string) any
	// Decode returns the samples carried by one frame. Control frames
	// produce no samples and no error.
	Decode(raw []byte) ([]market.Sample, error)
}

// BinanceKline decodes Binance combined kline streams for spot or USD-M futures.
type BinanceKline struct {
	Market   market.MarketType
	Interval string
	BaseURL  string
}

func (d BinanceKline) Venue() string                 { return "binance" }
func (d BinanceKline) MarketType() market.MarketType { return d.Market }
func (d BinanceKline) Subscription([]string) any     { return nil }

func (d BinanceKline) Endpoint(symbols []string) string {
	base := strings.TrimRight(d.BaseURL, "/")
	if base == "" {
		base = "wss://stream.binance.com:9443"
		if d.Market.IsDerivative() {
			base = "wss://fstream.binance.com"
		}
	}
	streams := lo.Map(symbols, func(s string, _ int) string {
		return strings.ToLower(s) + "@kline_" + d.interval()
	})
	return base + "/stream?streams=" + strings.Join(streams, "/")
}

func (d BinanceKline) interval() string {
	if d.Interval == "" {
		return "1m"
	}
	return d.Interval
}

type binanceCombined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceKlineEvent struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Kline  struct {
		StartTime int64  `json:"t"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
	} `json:"k"`
}

func (d BinanceKline) Decode(raw []byte) ([]market.Sample, error) {
	var env binanceCombined
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body := env.Data
	if len(body) == 0 {
		body = raw
	}

	var ev binanceKlineEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Event != "kline" {
		return nil, nil
	}

	s, err := candleSample(d.Venue(), ev.Symbol, d.Market, ev.Kline.StartTime, ev.Kline.Close, ev.Kline.Volume)
	if err != nil {
		return nil, err
	}
	return []market.Sample{s}, nil
}

// BybitKline decodes Bybit v5 public kline topics.
type BybitKline struct {
	Market   market.MarketType
	Interval string
	BaseURL  string
}

func (d BybitKline) Venue() string                 { return "bybit" }
func (d BybitKline) MarketType() market.MarketType { return d.Market }

func (d BybitKline) Endpoint([]string) string {
	base := strings.TrimRight(d.BaseURL, "/")
	if base == "" {
		base = "wss://stream.bybit.com"
	}
	category := "spot"
	if d.Market.IsDerivative() {
		category = "linear"
	}
	return base + "/v5/public/" + category
}

func (d BybitKline) Subscription(symbols []string) any {
	interval := d.Interval
	if interval == "" {
		interval = "1"
	}
	return bybitSubscribe{
		Op: "subscribe",
		Args: lo.Map(symbols, func(s string, _ int) string {
			return "kline." + interval + "." + strings.ToUpper(s)
		}),
	}
}

type bybitSubscribe struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type bybitKlineFrame struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
	Data  []struct {
		Start  int64  `json:"start"`
		Close  string `json:"close"`
		Volume string `json:"volume"`
	} `json:"data"`
}

func (d BybitKline) Decode(raw []byte) ([]market.Sample, error) {
	var frame bybitKlineFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if frame.Op != "" || !strings.HasPrefix(frame.Topic, "kline.") {
		return nil, nil
	}

	parts := strings.Split(frame.Topic, ".")
	symbol := parts[len(parts)-1]

	out := make([]market.Sample, 0, len(frame.Data))
	for _, k := range frame.Data {
		s, err := candleSample(d.Venue(), symbol, d.Market, k.Start, k.Close, k.Volume)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// candleSample keys a sample by its candle start, so updates to the open
// candle replace the previous observation in the window.
func candleSample(venue, symbol string, mt market.MarketType, startMillis int64, closePrice, volume string) (market.Sample, error) {
	if symbol == "" || startMillis <= 0 {
		return market.Sample{}, fmt.Errorf("%w: missing symbol or start time", ErrMalformed)
	}
	price, err := decimal.NewFromString(closePrice)
	if err != nil {
		return market.Sample{}, fmt.Errorf("%w: close %q: %v", ErrMalformed, closePrice, err)
	}
	vol, err := decimal.NewFromString(volume)
	if err != nil {
		return market.Sample{}, fmt.Errorf("%w: volume %q: %v", ErrMalformed, volume, err)
	}
	return market.Sample{
		Key:       market.NewKey(venue, symbol, mt),
		Timestamp: time.UnixMilli(startMillis).UTC(),
		Price:     price.InexactFloat64(),
		Volume:    vol.InexactFloat64(),
	}, nil
}

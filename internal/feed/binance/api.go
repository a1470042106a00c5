package binance

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"market-radar/internal/market"
)

var errNoCandle = errors.New("binance: empty kline response")

// SymbolInfo is one tradable listing reported by exchange info.
type SymbolInfo struct {
	Symbol     string
	Base       string
	Quote      string
	MarketType market.MarketType
	Trading    bool
}

// Candle is the latest kline of a symbol.
type Candle struct {
	OpenTime time.Time
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// MarketAPI is the slice of the Binance REST surface the poller needs.
type MarketAPI interface {
	Name() string
	Symbols(ctx context.Context) ([]SymbolInfo, error)
	LatestCandle(ctx context.Context, symbol, interval string) (Candle, error)
}

type spotAPI struct {
	cli *gobinance.Client
}

// NewSpotAPI wraps the public spot REST API. An empty baseURL keeps the library default.
func NewSpotAPI(baseURL string) MarketAPI {
	cli := gobinance.NewClient("", "")
	if baseURL != "" {
		cli.BaseURL = baseURL
	}
	return &spotAPI{cli: cli}
}

func (a *spotAPI) Name() string { return "spot" }

func (a *spotAPI) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	info, err := a.cli.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("spot exchange info: %w", err)
	}
	out := make([]SymbolInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		out = append(out, SymbolInfo{
			Symbol:     s.Symbol,
			Base:       s.BaseAsset,
			Quote:      s.QuoteAsset,
			MarketType: market.Spot,
			Trading:    s.Status == "TRADING",
		})
	}
	return out, nil
}

func (a *spotAPI) LatestCandle(ctx context.Context, symbol, interval string) (Candle, error) {
	klines, err := a.cli.NewKlinesService().Symbol(symbol).Interval(interval).Limit(1).Do(ctx)
	if err != nil {
		return Candle{}, fmt.Errorf("spot klines %s: %w", symbol, err)
	}
	if len(klines) == 0 {
		return Candle{}, errNoCandle
	}
	k := klines[len(klines)-1]
	return toCandle(k.OpenTime, k.Close, k.Volume)
}

type futuresAPI struct {
	cli *futures.Client
}

// NewFuturesAPI wraps the public USD-M futures REST API. Perpetual contracts
// map to market.Perp, dated delivery contracts to market.Future.
func NewFuturesAPI(baseURL string) MarketAPI {
	cli := futures.NewClient("", "")
	if baseURL != "" {
		cli.BaseURL = baseURL
	}
	return &futuresAPI{cli: cli}
}

func (a *futuresAPI) Name() string { return "futures" }

func (a *futuresAPI) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	info, err := a.cli.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures exchange info: %w", err)
	}
	out := make([]SymbolInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		mt := market.Future
		if string(s.ContractType) == "PERPETUAL" {
			mt = market.Perp
		}
		out = append(out, SymbolInfo{
			Symbol:     s.Symbol,
			Base:       s.BaseAsset,
			Quote:      s.QuoteAsset,
			MarketType: mt,
			Trading:    s.Status == "TRADING",
		})
	}
	return out, nil
}

func (a *futuresAPI) LatestCandle(ctx context.Context, symbol, interval string) (Candle, error) {
	klines, err := a.cli.NewKlinesService().Symbol(symbol).Interval(interval).Limit(1).Do(ctx)
	if err != nil {
		return Candle{}, fmt.Errorf("futures klines %s: %w", symbol, err)
	}
	if len(klines) == 0 {
		return Candle{}, errNoCandle
	}
	k := klines[len(klines)-1]
	return toCandle(k.OpenTime, k.Close, k.Volume)
}

func toCandle(openTime int64, closePrice, volume string) (Candle, error) {
	c, err := decimal.NewFromString(closePrice)
	if err != nil {
		return Candle{}, fmt.Errorf("parse close %q: %w", closePrice, err)
	}
	v, err := decimal.NewFromString(volume)
	if err != nil {
		return Candle{}, fmt.Errorf("parse volume %q: %w", volume, err)
	}
	return Candle{OpenTime: time.UnixMilli(openTime).UTC(), Close: c, Volume: v}, nil
}

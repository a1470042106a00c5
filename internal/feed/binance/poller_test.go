package binance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-radar/internal/engine"
	"market-radar/internal/feed"
	"market-radar/internal/market"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeAPI struct {
	name     string
	symbols  []SymbolInfo
	failures atomic.Int32 // LatestCandle fails this many times first
	calls    atomic.Int32
}

func (f *fakeAPI) Name() string { return f.name }

func (f *fakeAPI) Symbols(context.Context) ([]SymbolInfo, error) { return f.symbols, nil }

func (f *fakeAPI) LatestCandle(_ context.Context, symbol, interval string) (Candle, error) {
	f.calls.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return Candle{}, errors.New("503 service unavailable")
	}
	price := decimal.RequireFromString("100.5")
	if symbol == "ETHUSDT" {
		price = decimal.RequireFromString("3000")
	}
	return Candle{OpenTime: t0, Close: price, Volume: decimal.RequireFromString("12")}, nil
}

type sink struct {
	mu      sync.Mutex
	samples []market.Sample
	sets    [][]market.InstrumentKey
	err     error
}

func (s *sink) OnSample(sample market.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *sink) OnInstrumentSetChanged(keys []market.InstrumentKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = append(s.sets, keys)
}

func newFixture(opts Options) (*Poller, *fakeAPI, *fakeAPI, *sink) {
	spot := &fakeAPI{name: "spot", symbols: []SymbolInfo{
		{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", MarketType: market.Spot, Trading: true},
		{Symbol: "ETHBTC", Base: "ETH", Quote: "BTC", MarketType: market.Spot, Trading: true},
		{Symbol: "LUNAUSDT", Base: "LUNA", Quote: "USDT", MarketType: market.Spot, Trading: false},
	}}
	futures := &fakeAPI{name: "futures", symbols: []SymbolInfo{
		{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", MarketType: market.Perp, Trading: true},
		{Symbol: "BTCUSDT_250328", Base: "BTC", Quote: "USDT", MarketType: market.Future, Trading: true},
		{Symbol: "ETHUSDT", Base: "ETH", Quote: "USDT", MarketType: market.Perp, Trading: true},
	}}
	s := &sink{}
	opts.RequestsPerSecond = 1000
	p := NewWithAPIs(opts, []MarketAPI{spot, futures}, feed.NewRegistry(s), zerolog.Nop())
	return p, spot, futures, s
}

func TestDiscoverFiltersListings(t *testing.T) {
	p, _, _, s := newFixture(Options{Quotes: []string{"usdt"}})

	require.NoError(t, p.discover(context.Background(), t0))
	assert.ElementsMatch(t, []market.InstrumentKey{
		market.NewKey("binance", "BTCUSDT", market.Spot),
		market.NewKey("binance", "BTCUSDT", market.Perp),
		market.NewKey("binance", "BTCUSDT_250328", market.Future),
		market.NewKey("binance", "ETHUSDT", market.Perp),
	}, p.Instruments())
	require.Len(t, s.sets, 1)
	assert.Len(t, s.sets[0], 4)

	allow, _, _, _ := newFixture(Options{Symbols: []string{"ethusdt"}})
	require.NoError(t, allow.discover(context.Background(), t0))
	assert.Equal(t, []market.InstrumentKey{market.NewKey("binance", "ETHUSDT", market.Perp)}, allow.Instruments())
}

func TestTickForwardsLatestCandles(t *testing.T) {
	p, _, futures, s := newFixture(Options{Symbols: []string{"BTCUSDT", "ETHUSDT"}})
	futures.failures.Store(1)

	require.NoError(t, p.Tick(context.Background(), t0))

	s.mu.Lock()
	got := append([]market.Sample(nil), s.samples...)
	s.mu.Unlock()
	require.Len(t, got, 3)
	for _, sample := range got {
		assert.Equal(t, t0, sample.Timestamp)
		assert.Equal(t, 12.0, sample.Volume)
		if sample.Key.Symbol == "ETHUSDT" {
			assert.Equal(t, 3000.0, sample.Price)
		} else {
			assert.Equal(t, 100.5, sample.Price)
		}
	}

	st := p.Stats()
	assert.Equal(t, 3, st.Instruments)
	assert.Equal(t, uint64(3), st.Samples)
	assert.Equal(t, uint64(1), st.Polls)
	assert.Zero(t, st.Errors)
	assert.Equal(t, int32(3), futures.calls.Load())
}

func TestTickStopsAfterSinkCloses(t *testing.T) {
	p, spot, futures, s := newFixture(Options{Symbols: []string{"BTCUSDT"}, Concurrency: 1})
	s.err = engine.ErrClosed

	require.NoError(t, p.Tick(context.Background(), t0))
	assert.ErrorIs(t, p.Tick(context.Background(), t0.Add(time.Minute)), engine.ErrClosed)
	assert.LessOrEqual(t, spot.calls.Load()+futures.calls.Load(), int32(2))
}

func TestTickCountsBackpressure(t *testing.T) {
	p, _, _, s := newFixture(Options{Symbols: []string{"ETHUSDT"}})
	s.err = engine.ErrBackpressure

	require.NoError(t, p.Tick(context.Background(), t0))
	assert.Equal(t, uint64(1), p.Stats().Backpressure)
}

func TestRunRequiresAnAPI(t *testing.T) {
	p := New(Options{}, feed.NewRegistry(&sink{}), zerolog.Nop())
	assert.Error(t, p.Run(context.Background()))
}

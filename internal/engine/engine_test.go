package engine

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-radar/internal/alerting"
	"market-radar/internal/detector"
	"market-radar/internal/dispatch"
	"market-radar/internal/finding"
	"market-radar/internal/market"
	"market-radar/internal/spread"
	"market-radar/internal/window"
)

var (
	spotBTC = market.NewKey("binance", "BTCUSDT", market.Spot)
	perpBTC = market.NewKey("binance", "BTCUSDT", market.Perp)
	t0      = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

type captureNotifier struct {
	mu       sync.Mutex
	payloads []alerting.Payload
	closed   atomic.Int32
}

func (c *captureNotifier) Send(_ context.Context, _ alerting.Channel, p alerting.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return nil
}

func (c *captureNotifier) Close() error {
	c.closed.Add(1)
	return nil
}

func (c *captureNotifier) kinds() []finding.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]finding.Kind, 0, len(c.payloads))
	for _, p := range c.payloads {
		out = append(out, p.Kind)
	}
	return out
}

type closeCounter struct{ n atomic.Int32 }

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

type fixture struct {
	engine   *Engine
	notifier *captureNotifier
	store    *window.Store
	audit    *closeCounter
}

func newFixture(t *testing.T, opts Options, storeOpts window.Options) *fixture {
	t.Helper()
	if storeOpts.Lookback == 0 {
		storeOpts.Lookback = 5 * time.Minute
	}
	n := &captureNotifier{}
	store := window.New(storeOpts)
	audit := &closeCounter{}
	deps := Deps{
		Store:    store,
		Detector: detector.New(detector.Config{MinPriceIncreasePercent: 2, VolumeSpikeThreshold: 5}),
		Matcher: spread.New(spread.Config{
			SpotFuture: spread.Rule{Enabled: true, Threshold: 0.1, Direction: spread.Both},
		}, zerolog.Nop()),
		Dispatcher:    dispatch.New(dispatch.Options{}, n, nil, zerolog.Nop()),
		Collaborators: []io.Closer{audit},
	}
	e := New(opts, deps, zerolog.Nop())
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return &fixture{engine: e, notifier: n, store: store, audit: audit}
}

func sample(key market.InstrumentKey, minute int, price, volume float64) market.Sample {
	return market.Sample{Key: key, Timestamp: t0.Add(time.Duration(minute) * time.Minute), Price: price, Volume: volume}
}

func TestPriceSurgeFlowsToNotifier(t *testing.T) {
	f := newFixture(t, Options{Shards: 2}, window.Options{})
	f.engine.Start()

	for i, p := range []float64{100, 100, 100, 103} {
		require.NoError(t, f.engine.OnSample(sample(spotBTC, i, p, 1)))
	}

	require.Eventually(t, func() bool { return len(f.notifier.kinds()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []finding.Kind{finding.PriceSurge}, f.notifier.kinds())

	require.NoError(t, f.engine.Shutdown(context.Background()))
	assert.Equal(t, int32(1), f.notifier.closed.Load())
	assert.Equal(t, int32(1), f.audit.n.Load())
}

func TestSpreadEvaluatedOnUpdate(t *testing.T) {
	// one shard keeps both legs in arrival order
	f := newFixture(t, Options{Shards: 1}, window.Options{})
	f.engine.Start()

	f.engine.OnInstrumentSetChanged([]market.InstrumentKey{spotBTC, perpBTC})
	require.Eventually(t, func() bool { return f.engine.Health().Spread.Pairs == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.engine.OnSample(sample(spotBTC, 0, 100, 1)))
	require.NoError(t, f.engine.OnSample(sample(perpBTC, 0, 100.5, 1)))

	require.Eventually(t, func() bool { return len(f.notifier.kinds()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []finding.Kind{finding.SpotFutureBasis}, f.notifier.kinds())
}

func TestIntervalModeEvaluatesOnTick(t *testing.T) {
	f := newFixture(t, Options{Mode: ModeInterval, EvaluationInterval: time.Hour}, window.Options{})
	f.engine.deps.Matcher.Recompute([]market.InstrumentKey{spotBTC, perpBTC})

	require.NoError(t, f.store.Ingest(sample(spotBTC, 0, 100, 1)))
	require.NoError(t, f.store.Ingest(sample(perpBTC, 0, 99, 1)))

	require.NoError(t, f.engine.evaluateTick(context.Background(), t0))
	require.NoError(t, f.engine.deps.Dispatcher.Close(context.Background()))
	assert.Equal(t, []finding.Kind{finding.SpotFutureBasis}, f.notifier.kinds())
	assert.Equal(t, uint64(1), f.engine.Health().Findings)
}

func TestBackpressureAndDiscardOnShutdown(t *testing.T) {
	f := newFixture(t, Options{Shards: 1, ShardQueueSize: 2}, window.Options{})

	require.NoError(t, f.engine.OnSample(sample(spotBTC, 0, 100, 1)))
	require.NoError(t, f.engine.OnSample(sample(spotBTC, 1, 150, 1)))
	assert.ErrorIs(t, f.engine.OnSample(sample(spotBTC, 2, 200, 1)), ErrBackpressure)

	h := f.engine.Health()
	assert.Equal(t, 2, h.QueueDepth)
	assert.Equal(t, uint64(1), h.Backpressure)

	require.NoError(t, f.engine.Shutdown(context.Background()))
	assert.Equal(t, uint64(2), f.engine.Health().Discarded)
	assert.Empty(t, f.notifier.kinds())
	assert.ErrorIs(t, f.engine.OnSample(sample(spotBTC, 3, 100, 1)), ErrClosed)
}

func TestNoDispatchAfterShutdown(t *testing.T) {
	f := newFixture(t, Options{}, window.Options{})
	f.engine.Start()
	require.NoError(t, f.engine.Shutdown(context.Background()))

	assert.ErrorIs(t, f.engine.OnSample(sample(spotBTC, 0, 100, 1)), ErrClosed)
	f.engine.OnInstrumentSetChanged([]market.InstrumentKey{spotBTC})
	f.engine.submit(finding.NewAnomaly(spotBTC, finding.PriceSurge, 3, 100, 103, t0))

	assert.Empty(t, f.notifier.kinds())
	h := f.engine.Health()
	assert.True(t, h.Closed)
	assert.False(t, h.Running)
	assert.Equal(t, uint64(0), h.Dispatch.Accepted)
	assert.Nil(t, f.engine.deps.Collaborators)
	assert.NoError(t, f.engine.Shutdown(context.Background()))
}

func TestInvalidSampleIsCountedNotFatal(t *testing.T) {
	f := newFixture(t, Options{Shards: 1}, window.Options{})
	f.engine.Start()

	require.NoError(t, f.engine.OnSample(sample(spotBTC, 0, 0, 1)))
	require.NoError(t, f.engine.OnSample(sample(spotBTC, 1, 100, 1)))

	require.Eventually(t, func() bool { return f.engine.Health().Window.Ingested == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), f.engine.Health().Window.Invalid)
}

func TestReapDropsIdleWindowsAndPairs(t *testing.T) {
	now := t0
	f := newFixture(t, Options{}, window.Options{IdleTTL: time.Minute, Now: func() time.Time { return now }})
	f.engine.deps.Matcher.Recompute([]market.InstrumentKey{spotBTC, perpBTC})
	require.NoError(t, f.store.Ingest(sample(spotBTC, 0, 100, 1)))
	require.NoError(t, f.store.Ingest(sample(perpBTC, 0, 100, 1)))

	require.NoError(t, f.engine.reapTick(context.Background(), t0.Add(2*time.Minute)))

	h := f.engine.Health()
	assert.Equal(t, 0, h.Window.Windows)
	assert.Equal(t, 0, h.Spread.Pairs)
	assert.Equal(t, uint64(1), h.Spread.Dropped)
}

func TestShardAssignmentIsStable(t *testing.T) {
	f := newFixture(t, Options{Shards: 8}, window.Options{})
	first := f.engine.shardFor(spotBTC)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, f.engine.shardFor(spotBTC))
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeUpdate, m)

	m, err = ParseMode("interval")
	require.NoError(t, err)
	assert.Equal(t, ModeInterval, m)

	_, err = ParseMode("batch")
	assert.Error(t, err)
}

func TestSampleClockOnlyMovesForward(t *testing.T) {
	var c SampleClock
	assert.True(t, c.Now().IsZero())
	c.Advance(t0.Add(time.Hour))
	c.Advance(t0)
	assert.Equal(t, t0.Add(time.Hour), c.Now())
}

func TestSampleClockDrivesCooldowns(t *testing.T) {
	clock := &SampleClock{}
	n := &captureNotifier{}
	store := window.New(window.Options{Lookback: 5 * time.Minute, Now: clock.Now})
	eng := New(Options{Shards: 1, Clock: clock}, Deps{
		Store:    store,
		Detector: detector.New(detector.Config{MinPriceIncreasePercent: 2, VolumeSpikeThreshold: 100}),
		Dispatcher: dispatch.New(dispatch.Options{
			Now:       clock.Now,
			Cooldowns: map[finding.Kind]time.Duration{finding.PriceSurge: time.Minute},
		}, n, nil, zerolog.Nop()),
	}, zerolog.Nop())
	eng.Start()

	feedAt := func(offset time.Duration, price float64) {
		require.NoError(t, eng.OnSample(market.Sample{Key: spotBTC, Timestamp: t0.Add(offset), Price: price, Volume: 1}))
	}
	feedAt(0, 100)
	feedAt(time.Minute, 103)
	feedAt(2*time.Hour, 100)
	feedAt(2*time.Hour+time.Minute, 103)
	require.Eventually(t, func() bool { return eng.Health().Processed == 4 }, time.Second, 5*time.Millisecond)

	require.NoError(t, eng.Shutdown(context.Background()))
	h := eng.Health()
	assert.Equal(t, uint64(2), h.Dispatch.Sent)
	assert.Equal(t, uint64(0), h.Dispatch.Suppressed)
	assert.Equal(t, t0.Add(2*time.Hour+time.Minute), clock.Now())
}

package window

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-radar/internal/market"
)

var (
	btc = market.NewKey("binance", "BTCUSDT", market.Spot)
	eth = market.NewKey("binance", "ETHUSDT", market.Spot)
	t0  = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

func sample(key market.InstrumentKey, offset time.Duration, price, volume float64) market.Sample {
	return market.Sample{Key: key, Timestamp: t0.Add(offset), Price: price, Volume: volume}
}

func TestIngestRejectsInvalidSamples(t *testing.T) {
	s := New(Options{Lookback: 5 * time.Minute})

	assert.ErrorIs(t, s.Ingest(sample(btc, 0, 0, 1)), ErrInvalidSample)
	assert.ErrorIs(t, s.Ingest(sample(btc, 0, 100, -1)), ErrInvalidSample)
	assert.ErrorIs(t, s.Ingest(market.Sample{Key: btc, Price: 1, Volume: 1}), ErrInvalidSample)

	assert.Nil(t, s.Snapshot(btc))
	assert.Equal(t, uint64(3), s.Stats().Invalid)
	assert.Equal(t, 0, s.Stats().Windows)
}

func TestIngestEvictsBeyondLookback(t *testing.T) {
	s := New(Options{Lookback: 5 * time.Minute})

	for i := 0; i <= 10; i++ {
		require.NoError(t, s.Ingest(sample(btc, time.Duration(i)*time.Minute, 100+float64(i), 1)))
	}

	snap := s.Snapshot(btc)
	require.Len(t, snap, 6)
	assert.Equal(t, t0.Add(5*time.Minute), snap[0].Timestamp)
	assert.Equal(t, t0.Add(10*time.Minute), snap[len(snap)-1].Timestamp)
	assert.Equal(t, uint64(5), s.Stats().EvictedSamples)
}

func TestIngestDropsStaleSamples(t *testing.T) {
	s := New(Options{Lookback: 2 * time.Minute})

	require.NoError(t, s.Ingest(sample(btc, 5*time.Minute, 100, 1)))
	require.NoError(t, s.Ingest(sample(btc, 6*time.Minute, 101, 1)))

	assert.ErrorIs(t, s.Ingest(sample(btc, 4*time.Minute, 99, 1)), ErrStaleSample)
	assert.Equal(t, uint64(1), s.Stats().Stale)
	assert.Len(t, s.Snapshot(btc), 2)
}

func TestIngestOrdersAndReplaces(t *testing.T) {
	s := New(Options{Lookback: 10 * time.Minute})

	require.NoError(t, s.Ingest(sample(btc, 0, 100, 1)))
	require.NoError(t, s.Ingest(sample(btc, 2*time.Minute, 102, 1)))
	require.NoError(t, s.Ingest(sample(btc, time.Minute, 101, 1)))
	require.NoError(t, s.Ingest(sample(btc, 2*time.Minute, 103, 7)))

	snap := s.Snapshot(btc)
	require.Len(t, snap, 3)
	assert.Equal(t, []float64{100, 101, 103}, []float64{snap[0].Price, snap[1].Price, snap[2].Price})
	assert.Equal(t, 7.0, snap[2].Volume)
	assert.Equal(t, uint64(1), s.Stats().Replaced)

	latest, ok := s.Latest(btc)
	require.True(t, ok)
	assert.Equal(t, 103.0, latest.Price)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New(Options{Lookback: time.Minute})
	require.NoError(t, s.Ingest(sample(btc, 0, 100, 1)))

	snap := s.Snapshot(btc)
	snap[0].Price = 1

	latest, _ := s.Latest(btc)
	assert.Equal(t, 100.0, latest.Price)
}

func TestWindowNeverExceedsLookback(t *testing.T) {
	lookback := 90 * time.Second
	s := New(Options{Lookback: lookback})
	rng := rand.New(rand.NewSource(7))

	offset := time.Duration(0)
	for i := 0; i < 500; i++ {
		offset += time.Duration(rng.Intn(20_000)) * time.Millisecond
		require.NoError(t, s.Ingest(sample(btc, offset, 1+rng.Float64(), 1+rng.Float64())))

		snap := s.Snapshot(btc)
		latest := snap[len(snap)-1].Timestamp
		assert.LessOrEqual(t, latest.Sub(snap[0].Timestamp), lookback)
		for j := 1; j < len(snap); j++ {
			assert.False(t, snap[j].Timestamp.Before(snap[j-1].Timestamp))
		}
	}
}

func TestEvictIdle(t *testing.T) {
	now := t0
	s := New(Options{Lookback: time.Minute, IdleTTL: 10 * time.Minute, Now: func() time.Time { return now }})

	require.NoError(t, s.Ingest(sample(btc, 0, 100, 1)))
	now = now.Add(8 * time.Minute)
	require.NoError(t, s.Ingest(sample(eth, 0, 10, 1)))

	assert.Empty(t, s.EvictIdle(now))

	now = now.Add(5 * time.Minute)
	removed := s.EvictIdle(now)
	assert.Equal(t, []market.InstrumentKey{btc}, removed)
	assert.Equal(t, []market.InstrumentKey{eth}, s.Keys())
	assert.Nil(t, s.Snapshot(btc))

	// a reaped instrument starts over on its next sample
	require.NoError(t, s.Ingest(sample(btc, time.Hour, 100, 1)))
	assert.Len(t, s.Snapshot(btc), 1)
}

func TestConcurrentIngestAcrossInstruments(t *testing.T) {
	s := New(Options{Lookback: time.Hour})
	keys := []market.InstrumentKey{btc, eth, market.NewKey("okx", "BTCUSDT", market.Perp)}

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(2)
		go func(key market.InstrumentKey) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = s.Ingest(sample(key, time.Duration(i)*time.Second, 100, 1))
			}
		}(key)
		go func(key market.InstrumentKey) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap := s.Snapshot(key)
				for j := 1; j < len(snap); j++ {
					if snap[j].Timestamp.Before(snap[j-1].Timestamp) {
						t.Errorf("snapshot out of order for %s", key)
						return
					}
				}
			}
		}(key)
	}
	wg.Wait()

	for _, key := range keys {
		assert.Len(t, s.Snapshot(key), 200)
	}
}

func TestVolumeSumsRetainedWindow(t *testing.T) {
	s := New(Options{Lookback: 2 * time.Minute})
	key := market.NewKey("binance", "BTCUSDT", market.Perp)
	for i, v := range []float64{5, 7, 11, 13} {
		require.NoError(t, s.Ingest(market.Sample{Key: key, Timestamp: t0.Add(time.Duration(i) * time.Minute), Price: 100, Volume: v}))
	}
	// the first sample fell out of the two minute window
	assert.InDelta(t, 31, s.Volume(key), 1e-9)
	assert.Zero(t, s.Volume(market.NewKey("okx", "BTC-USDT-SWAP", market.Perp)))
}

package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-radar/internal/finding"
	"market-radar/internal/market"
)

var (
	spotKey = market.NewKey("binance", "BTCUSDT", market.Spot)
	perpKey = market.NewKey("bybit", "BTCUSDT", market.Perp)
	t0      = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

func window(key market.InstrumentKey, prices, volumes []float64) []market.Sample {
	out := make([]market.Sample, len(prices))
	for i := range prices {
		out[i] = market.Sample{Key: key, Timestamp: t0.Add(time.Duration(i) * time.Minute), Price: prices[i], Volume: volumes[i]}
	}
	return out
}

func kinds(fs []finding.AnomalyFinding) []finding.Kind {
	out := make([]finding.Kind, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Type)
	}
	return out
}

func TestPriceSurgeThreshold(t *testing.T) {
	w := window(spotKey, []float64{100, 100, 100, 103}, []float64{1, 1, 1, 1})

	fs := New(Config{MinPriceIncreasePercent: 2.0, VolumeSpikeThreshold: 5}).Evaluate(spotKey, w)
	require.Len(t, fs, 1)
	assert.Equal(t, finding.PriceSurge, fs[0].Type)
	assert.InDelta(t, 3.0, fs[0].Magnitude, 1e-9)
	assert.Equal(t, 100.0, fs[0].ReferenceValue)
	assert.Equal(t, 103.0, fs[0].CurrentValue)
	assert.Equal(t, w[3].Timestamp, fs[0].Timestamp)

	assert.Empty(t, New(Config{MinPriceIncreasePercent: 5.0, VolumeSpikeThreshold: 5}).Evaluate(spotKey, w))
}

func TestPriceDropNeverFires(t *testing.T) {
	w := window(spotKey, []float64{100, 90}, []float64{1, 1})
	assert.Empty(t, New(Config{}).Evaluate(spotKey, w))
}

func TestVolumeSpikeThreshold(t *testing.T) {
	d := New(Config{MinPriceIncreasePercent: 2, VolumeSpikeThreshold: 5.0})

	fs := d.Evaluate(perpKey, window(perpKey, []float64{1, 1, 1, 1}, []float64{10, 10, 10, 60}))
	require.Len(t, fs, 1)
	assert.Equal(t, finding.VolumeSpike, fs[0].Type)
	assert.InDelta(t, 6.0, fs[0].Magnitude, 1e-9)
	assert.Equal(t, 10.0, fs[0].ReferenceValue)
	assert.True(t, fs[0].IsFutureContract)

	assert.Empty(t, d.Evaluate(perpKey, window(perpKey, []float64{1, 1, 1, 1}, []float64{10, 10, 10, 40})))
}

func TestBothKindsFire(t *testing.T) {
	w := window(spotKey, []float64{100, 101, 104}, []float64{2, 2, 20})
	assert.Equal(t, []finding.Kind{finding.PriceSurge, finding.VolumeSpike}, kinds(New(Config{}).Evaluate(spotKey, w)))
}

func TestColdStart(t *testing.T) {
	d := New(Config{})
	assert.Empty(t, d.Evaluate(spotKey, nil))
	assert.Empty(t, d.Evaluate(spotKey, window(spotKey, []float64{100}, []float64{1})))
}

func TestStablecoinSkip(t *testing.T) {
	key := market.NewKey("binance", "USDCUSDT", market.Spot)
	w := window(key, []float64{1, 1.05}, []float64{1, 100})

	assert.Empty(t, New(Config{SkipStablecoinPairs: true}).Evaluate(key, w))
	assert.Len(t, New(Config{}).Evaluate(key, w), 2)
}

func TestDefaults(t *testing.T) {
	cfg := New(Config{}).Config()
	assert.Equal(t, DefaultMinPriceIncreasePercent, cfg.MinPriceIncreasePercent)
	assert.Equal(t, DefaultVolumeSpikeThreshold, cfg.VolumeSpikeThreshold)
}

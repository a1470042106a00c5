// Package detector flags price surges and volume spikes on a window snapshot.
package detector

import (
	"market-radar/internal/finding"
	"market-radar/internal/market"
)

const (
	DefaultMinPriceIncreasePercent = 2.0
	DefaultVolumeSpikeThreshold    = 5.0
)

// Config holds the detection thresholds.
type Config struct {
	MinPriceIncreasePercent float64
	VolumeSpikeThreshold    float64
	// SkipStablecoinPairs ignores instruments such as USDC/USDT.
	SkipStablecoinPairs bool
}

// Detector is stateless and safe for concurrent use.
type Detector struct {
	cfg Config
}

// New applies defaults for zero thresholds.
func New(cfg Config) *Detector {
	if cfg.MinPriceIncreasePercent <= 0 {
		cfg.MinPriceIncreasePercent = DefaultMinPriceIncreasePercent
	}
	if cfg.VolumeSpikeThreshold <= 0 {
		cfg.VolumeSpikeThreshold = DefaultVolumeSpikeThreshold
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective thresholds.
func (d *Detector) Config() Config {
	return d.cfg
}

// Evaluate inspects the latest sample of an ascending window. It returns at
// most one finding per kind and nothing for windows shorter than two samples.
func (d *Detector) Evaluate(key market.InstrumentKey, window []market.Sample) []finding.AnomalyFinding {
	if len(window) < 2 {
		return nil
	}
	if d.cfg.SkipStablecoinPairs && market.IsStablecoinPair(market.NormalizeSymbol(key.Symbol)) {
		return nil
	}

	var out []finding.AnomalyFinding
	if f, ok := d.priceSurge(key, window); ok {
		out = append(out, f)
	}
	if f, ok := d.volumeSpike(key, window); ok {
		out = append(out, f)
	}
	return out
}

// priceSurge anchors on the earliest retained sample. Downward moves never fire.
func (d *Detector) priceSurge(key market.InstrumentKey, window []market.Sample) (finding.AnomalyFinding, bool) {
	ref := window[0]
	cur := window[len(window)-1]
	if ref.Price <= 0 {
		return finding.AnomalyFinding{}, false
	}
	pct := (cur.Price - ref.Price) / ref.Price * 100
	if pct < d.cfg.MinPriceIncreasePercent {
		return finding.AnomalyFinding{}, false
	}
	return finding.NewAnomaly(key, finding.PriceSurge, pct, ref.Price, cur.Price, cur.Timestamp), true
}

// volumeSpike compares the latest volume with the mean of the samples before it.
func (d *Detector) volumeSpike(key market.InstrumentKey, window []market.Sample) (finding.AnomalyFinding, bool) {
	prior := window[:len(window)-1]
	cur := window[len(window)-1]

	var sum float64
	for _, s := range prior {
		sum += s.Volume
	}
	avg := sum / float64(len(prior))
	if !(avg > 0) || cur.Volume < avg*d.cfg.VolumeSpikeThreshold {
		return finding.AnomalyFinding{}, false
	}
	return finding.NewAnomaly(key, finding.VolumeSpike, cur.Volume/avg, avg, cur.Volume, cur.Timestamp), true
}

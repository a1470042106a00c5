// Package finding defines the detector and matcher outputs consumed by the dispatcher.
package finding

import (
	"encoding/hex"
	"hash/fnv"
	"math"
	"strconv"
	"time"

	"market-radar/internal/market"
)

// Kind tags a finding variant.
type Kind string

const (
	PriceSurge      Kind = "PRICE_SURGE"
	VolumeSpike     Kind = "VOLUME_SPIKE"
	SpotFutureBasis Kind = "SPOT_FUTURE_BASIS"
	CrossVenueBasis Kind = "CROSS_VENUE_BASIS"
)

// Kinds lists every variant in routing order.
var Kinds = []Kind{PriceSurge, VolumeSpike, SpotFutureBasis, CrossVenueBasis}

// Direction is the sign of a basis.
type Direction string

const (
	Premium  Direction = "premium"
	Discount Direction = "discount"
)

// DirectionOf classifies a basis percentage. Zero counts as premium.
func DirectionOf(basisPercent float64) Direction {
	if basisPercent < 0 {
		return Discount
	}
	return Premium
}

// Finding is implemented by AnomalyFinding and SpreadFinding only.
type Finding interface {
	Kind() Kind
	// Subject identifies the instrument or pair the finding is about.
	Subject() string
	// Score is the signed magnitude used for fingerprint bucketing.
	Score() float64
	Time() time.Time
	sealed()
}

// AnomalyFinding reports a price surge or volume spike on one instrument.
type AnomalyFinding struct {
	Instrument market.InstrumentKey
	Type       Kind
	// Magnitude is a percent change for PRICE_SURGE and a volume ratio for VOLUME_SPIKE.
	Magnitude        float64
	ReferenceValue   float64
	CurrentValue     float64
	Timestamp        time.Time
	IsFutureContract bool
}

// NewAnomaly builds an AnomalyFinding with IsFutureContract derived from the market type.
func NewAnomaly(key market.InstrumentKey, kind Kind, magnitude, reference, current float64, ts time.Time) AnomalyFinding {
	return AnomalyFinding{
		Instrument:       key,
		Type:             kind,
		Magnitude:        magnitude,
		ReferenceValue:   reference,
		CurrentValue:     current,
		Timestamp:        ts,
		IsFutureContract: key.IsFutureContract(),
	}
}

func (f AnomalyFinding) Kind() Kind      { return f.Type }
func (f AnomalyFinding) Subject() string { return f.Instrument.String() }
func (f AnomalyFinding) Score() float64  { return f.Magnitude }
func (f AnomalyFinding) Time() time.Time { return f.Timestamp }
func (AnomalyFinding) sealed()           {}

// SpreadFinding reports a basis between the two legs of a pair.
type SpreadFinding struct {
	Pair         market.Pair
	BasisPercent float64
	Direction    Direction
	Timestamp    time.Time
	BasePrice    float64
	QuotePrice   float64
}

// NewSpread computes the basis of quote against base and classifies its direction.
func NewSpread(pair market.Pair, basePrice, quotePrice float64, ts time.Time) SpreadFinding {
	basis := BasisPercent(basePrice, quotePrice)
	return SpreadFinding{
		Pair:         pair,
		BasisPercent: basis,
		Direction:    DirectionOf(basis),
		Timestamp:    ts,
		BasePrice:    basePrice,
		QuotePrice:   quotePrice,
	}
}

// BasisPercent is (quote-base)/base*100.
func BasisPercent(base, quote float64) float64 {
	return (quote - base) / base * 100
}

func (f SpreadFinding) Kind() Kind {
	if f.Pair.Kind == market.CrossVenue {
		return CrossVenueBasis
	}
	return SpotFutureBasis
}
func (f SpreadFinding) Subject() string { return f.Pair.ID() }
func (f SpreadFinding) Score() float64  { return f.BasisPercent }
func (f SpreadFinding) Time() time.Time { return f.Timestamp }
func (SpreadFinding) sealed()           {}

// IsFutureContract reports whether a finding concerns a derivative. Spread
// findings always involve at least one derivative leg.
func IsFutureContract(f Finding) bool {
	switch v := f.(type) {
	case AnomalyFinding:
		return v.IsFutureContract
	case SpreadFinding:
		return v.Pair.Base.IsFutureContract() || v.Pair.Quote.IsFutureContract()
	default:
		return false
	}
}

// Bucket coarsens a score so small fluctuations share a fingerprint.
func Bucket(score, width float64) int64 {
	if width <= 0 {
		width = 1
	}
	return int64(math.Floor(score / width))
}

// Fingerprint hashes kind, subject and magnitude bucket.
func Fingerprint(f Finding, bucketWidth float64) string {
	h := fnv.New64a()
	h.Write([]byte(f.Kind()))
	h.Write([]byte{0})
	h.Write([]byte(f.Subject()))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(Bucket(f.Score(), bucketWidth), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Package market holds the identity types shared by every stage of the radar.
package market

import (
	"fmt"
	"strings"
	"time"
)

// MarketType distinguishes spot markets from derivatives.
type MarketType string

const (
	Spot   MarketType = "spot"
	Future MarketType = "future"
	Perp   MarketType = "perp"
)

// ParseMarketType accepts the config/feed spelling of a market type.
func ParseMarketType(v string) (MarketType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "spot":
		return Spot, nil
	case "future", "futures", "delivery":
		return Future, nil
	case "perp", "perpetual", "swap":
		return Perp, nil
	default:
		return "", fmt.Errorf("unknown market type %q", v)
	}
}

// IsDerivative reports whether the market is a future or perpetual contract.
func (t MarketType) IsDerivative() bool {
	return t == Future || t == Perp
}

// InstrumentKey identifies one instrument on one venue. It is comparable and used as a map key.
type InstrumentKey struct {
	Venue      string
	Symbol     string
	MarketType MarketType
}

// NewKey normalises casing so keys built by different adapters compare equal.
func NewKey(venue, symbol string, marketType MarketType) InstrumentKey {
	return InstrumentKey{
		Venue:      strings.ToLower(strings.TrimSpace(venue)),
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		MarketType: marketType,
	}
}

// String renders venue:symbol:type.
func (k InstrumentKey) String() string {
	return k.Venue + ":" + k.Symbol + ":" + string(k.MarketType)
}

// IsFutureContract is derived from the market type only.
func (k InstrumentKey) IsFutureContract() bool {
	return k.MarketType.IsDerivative()
}

// Less orders keys by venue, symbol then market type.
func (k InstrumentKey) Less(o InstrumentKey) bool {
	if k.Venue != o.Venue {
		return k.Venue < o.Venue
	}
	if k.Symbol != o.Symbol {
		return k.Symbol < o.Symbol
	}
	return k.MarketType < o.MarketType
}

// Sample is a single price/volume observation.
type Sample struct {
	Key       InstrumentKey
	Timestamp time.Time
	Price     float64
	Volume    float64
}

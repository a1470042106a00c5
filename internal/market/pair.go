package market

// PairKind separates the two spread relationships the radar watches.
type PairKind string

const (
	// SpotFuture pairs a spot market with a derivative of the same asset on one venue.
	SpotFuture PairKind = "spot_future"
	// CrossVenue pairs the same perpetual contract on two venues.
	CrossVenue PairKind = "cross_venue"
)

// Pair is a matched instrument relationship. Base is the reference leg: the
// spot market, or the reference venue's perpetual.
type Pair struct {
	Kind  PairKind
	Asset Asset
	Base  InstrumentKey
	Quote InstrumentKey
}

// ID is stable for identical pairs and used in fingerprints.
func (p Pair) ID() string {
	return string(p.Kind) + "|" + p.Base.String() + "|" + p.Quote.String()
}

// Involves reports whether key is one of the legs.
func (p Pair) Involves(key InstrumentKey) bool {
	return p.Base == key || p.Quote == key
}

// Less orders pairs by kind, base leg then quote leg.
func (p Pair) Less(o Pair) bool {
	if p.Kind != o.Kind {
		return p.Kind < o.Kind
	}
	if p.Base != o.Base {
		return p.Base.Less(o.Base)
	}
	return p.Quote.Less(o.Quote)
}

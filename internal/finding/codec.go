package finding

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"market-radar/internal/market"
)

// ErrUnknownShape is returned when a payload matches no known finding layout.
var ErrUnknownShape = errors.New("finding: unrecognised payload")

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

type legJSON struct {
	Venue      string `json:"venue"`
	Symbol     string `json:"symbol"`
	MarketType string `json:"market_type"`
}

// wire is the union of the native layout and the legacy alert dictionaries.
// Absent optional fields stay nil so defaults are applied here, once.
type wire struct {
	Kind      string          `json:"kind"`
	AlertType string          `json:"alert_type"`
	Timestamp json.RawMessage `json:"timestamp"`

	// anomaly
	Venue            string   `json:"venue"`
	Exchange         string   `json:"exchange"`
	Symbol           string   `json:"symbol"`
	MarketType       string   `json:"market_type"`
	Magnitude        *float64 `json:"magnitude"`
	ReferenceValue   float64  `json:"reference_value"`
	CurrentValue     float64  `json:"current_value"`
	IsFutureContract *bool    `json:"is_future_contract"`
	IsFuture         *bool    `json:"is_future"`
	PriceChangePct   *float64 `json:"price_change_percent"`
	VolumeRatio      *float64 `json:"volume_ratio"`
	VolumeChange     *float64 `json:"volume_change_ratio"`

	// spread
	Base         *legJSON `json:"base"`
	Quote        *legJSON `json:"quote"`
	BasisPercent *float64 `json:"basis_percent"`
	Direction    string   `json:"direction"`
	BasePrice    float64  `json:"base_price"`
	QuotePrice   float64  `json:"quote_price"`

	SpotSymbol   string   `json:"spot_symbol"`
	FutureSymbol string   `json:"future_symbol"`
	SpotPrice    float64  `json:"spot_price"`
	FuturePrice  float64  `json:"future_price"`
	Exchange1    string   `json:"exchange1"`
	Exchange2    string   `json:"exchange2"`
	Symbol1      string   `json:"symbol1"`
	Symbol2      string   `json:"symbol2"`
	Price1       float64  `json:"price1"`
	Price2       float64  `json:"price2"`
	PriceDiffPct *float64 `json:"price_difference_percent"`
}

// Decode parses a finding in the native layout or one of the legacy alert
// layouts. Missing timestamps default to now; a missing future flag defaults
// from the market type, and a missing market type from the legacy is_future flag.
func Decode(raw []byte, now time.Time) (Finding, error) {
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode finding: %w", err)
	}
	ts, err := parseTimestamp(w.Timestamp, now)
	if err != nil {
		return nil, err
	}

	switch {
	case w.Kind == string(SpotFutureBasis) || w.Kind == string(CrossVenueBasis):
		return w.nativeSpread(ts)
	case w.AlertType == "spot_futures_basis":
		return w.legacySpotFuture(ts)
	case w.AlertType == "perp_exchange_difference":
		return w.legacyCrossVenue(ts)
	case w.Kind == string(PriceSurge) || w.Kind == string(VolumeSpike):
		return w.anomaly(Kind(w.Kind), ts)
	case w.Kind == "" && w.PriceChangePct != nil:
		return w.anomaly(PriceSurge, ts)
	case w.Kind == "" && (w.VolumeRatio != nil || w.VolumeChange != nil):
		return w.anomaly(VolumeSpike, ts)
	default:
		return nil, fmt.Errorf("%w: kind=%q alert_type=%q", ErrUnknownShape, w.Kind, w.AlertType)
	}
}

func (w wire) anomaly(kind Kind, ts time.Time) (Finding, error) {
	venue := firstNonEmpty(w.Venue, w.Exchange)
	if venue == "" || w.Symbol == "" {
		return nil, fmt.Errorf("%w: anomaly without venue or symbol", ErrUnknownShape)
	}

	var mt market.MarketType
	switch {
	case w.MarketType != "":
		parsed, err := market.ParseMarketType(w.MarketType)
		if err != nil {
			return nil, fmt.Errorf("decode finding: %w", err)
		}
		mt = parsed
	case w.IsFuture != nil && *w.IsFuture:
		mt = market.Perp
	case w.IsFutureContract != nil && *w.IsFutureContract:
		mt = market.Perp
	default:
		mt = market.Spot
	}

	var magnitude float64
	switch {
	case w.Magnitude != nil:
		magnitude = *w.Magnitude
	case kind == PriceSurge && w.PriceChangePct != nil:
		magnitude = *w.PriceChangePct
	case kind == VolumeSpike && w.VolumeRatio != nil:
		magnitude = *w.VolumeRatio
	case kind == VolumeSpike && w.VolumeChange != nil:
		magnitude = *w.VolumeChange
	}

	f := NewAnomaly(market.NewKey(venue, w.Symbol, mt), kind, magnitude, w.ReferenceValue, w.CurrentValue, ts)
	if w.IsFutureContract != nil {
		f.IsFutureContract = *w.IsFutureContract
	} else if w.IsFuture != nil {
		f.IsFutureContract = *w.IsFuture
	}
	return f, nil
}

func (w wire) nativeSpread(ts time.Time) (Finding, error) {
	if w.Base == nil || w.Quote == nil {
		return nil, fmt.Errorf("%w: spread without legs", ErrUnknownShape)
	}
	base, err := w.Base.key()
	if err != nil {
		return nil, err
	}
	quote, err := w.Quote.key()
	if err != nil {
		return nil, err
	}
	kind := market.SpotFuture
	if w.Kind == string(CrossVenueBasis) {
		kind = market.CrossVenue
	}
	pair := market.Pair{Kind: kind, Asset: market.NormalizeSymbol(base.Symbol), Base: base, Quote: quote}
	return w.spread(pair, w.BasePrice, w.QuotePrice, w.BasisPercent, ts), nil
}

func (w wire) legacySpotFuture(ts time.Time) (Finding, error) {
	if w.Exchange == "" || w.SpotSymbol == "" || w.FutureSymbol == "" {
		return nil, fmt.Errorf("%w: spot/future alert without symbols", ErrUnknownShape)
	}
	pair := market.Pair{
		Kind:  market.SpotFuture,
		Asset: market.NormalizeSymbol(w.SpotSymbol),
		Base:  market.NewKey(w.Exchange, w.SpotSymbol, market.Spot),
		Quote: market.NewKey(w.Exchange, w.FutureSymbol, market.Perp),
	}
	return w.spread(pair, w.SpotPrice, w.FuturePrice, w.PriceDiffPct, ts), nil
}

func (w wire) legacyCrossVenue(ts time.Time) (Finding, error) {
	if w.Exchange1 == "" || w.Exchange2 == "" {
		return nil, fmt.Errorf("%w: cross-venue alert without venues", ErrUnknownShape)
	}
	pair := market.Pair{
		Kind:  market.CrossVenue,
		Asset: market.NormalizeSymbol(w.Symbol1),
		Base:  market.NewKey(w.Exchange1, w.Symbol1, market.Perp),
		Quote: market.NewKey(w.Exchange2, w.Symbol2, market.Perp),
	}
	return w.spread(pair, w.Price1, w.Price2, w.PriceDiffPct, ts), nil
}

func (w wire) spread(pair market.Pair, basePrice, quotePrice float64, basis *float64, ts time.Time) SpreadFinding {
	f := SpreadFinding{Pair: pair, Timestamp: ts, BasePrice: basePrice, QuotePrice: quotePrice}
	switch {
	case basis != nil:
		f.BasisPercent = *basis
	case basePrice > 0:
		f.BasisPercent = BasisPercent(basePrice, quotePrice)
	}
	switch Direction(strings.ToLower(w.Direction)) {
	case Premium:
		f.Direction = Premium
		f.BasisPercent = math.Abs(f.BasisPercent)
	case Discount:
		f.Direction = Discount
		f.BasisPercent = -math.Abs(f.BasisPercent)
	default:
		f.Direction = DirectionOf(f.BasisPercent)
	}
	return f
}

func (l legJSON) key() (market.InstrumentKey, error) {
	if l.Venue == "" || l.Symbol == "" {
		return market.InstrumentKey{}, fmt.Errorf("%w: leg without venue or symbol", ErrUnknownShape)
	}
	mt := market.Perp
	if l.MarketType != "" {
		parsed, err := market.ParseMarketType(l.MarketType)
		if err != nil {
			return market.InstrumentKey{}, fmt.Errorf("decode finding: %w", err)
		}
		mt = parsed
	}
	return market.NewKey(l.Venue, l.Symbol, mt), nil
}

func parseTimestamp(raw json.RawMessage, now time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return now, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("decode finding timestamp: %w", err)
	}
	if s == "" {
		return now, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("decode finding timestamp: unsupported format %q", s)
}

// Encode renders a finding in the native layout accepted by Decode.
func Encode(f Finding) ([]byte, error) {
	w := struct {
		Kind      Kind   `json:"kind"`
		Timestamp string `json:"timestamp"`

		Venue            string   `json:"venue,omitempty"`
		Symbol           string   `json:"symbol,omitempty"`
		MarketType       string   `json:"market_type,omitempty"`
		Magnitude        *float64 `json:"magnitude,omitempty"`
		ReferenceValue   float64  `json:"reference_value,omitempty"`
		CurrentValue     float64  `json:"current_value,omitempty"`
		IsFutureContract bool     `json:"is_future_contract"`

		Base         *legJSON `json:"base,omitempty"`
		Quote        *legJSON `json:"quote,omitempty"`
		BasisPercent *float64 `json:"basis_percent,omitempty"`
		Direction    string   `json:"direction,omitempty"`
		BasePrice    float64  `json:"base_price,omitempty"`
		QuotePrice   float64  `json:"quote_price,omitempty"`
	}{
		Kind:             f.Kind(),
		Timestamp:        f.Time().UTC().Format(time.RFC3339Nano),
		IsFutureContract: IsFutureContract(f),
	}

	switch v := f.(type) {
	case AnomalyFinding:
		w.Venue = v.Instrument.Venue
		w.Symbol = v.Instrument.Symbol
		w.MarketType = string(v.Instrument.MarketType)
		w.Magnitude = &v.Magnitude
		w.ReferenceValue = v.ReferenceValue
		w.CurrentValue = v.CurrentValue
	case SpreadFinding:
		w.Base = &legJSON{Venue: v.Pair.Base.Venue, Symbol: v.Pair.Base.Symbol, MarketType: string(v.Pair.Base.MarketType)}
		w.Quote = &legJSON{Venue: v.Pair.Quote.Venue, Symbol: v.Pair.Quote.Symbol, MarketType: string(v.Pair.Quote.MarketType)}
		w.BasisPercent = &v.BasisPercent
		w.Direction = string(v.Direction)
		w.BasePrice = v.BasePrice
		w.QuotePrice = v.QuotePrice
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownShape, f)
	}
	return json.Marshal(w)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

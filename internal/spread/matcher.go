// Package spread pairs related instruments and computes their basis.
package spread

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"market-radar/internal/finding"
	"market-radar/internal/market"
)

// ErrInconsistentPair reports a pair whose leg has no current sample.
var ErrInconsistentPair = errors.New("spread: pair references an instrument without data")

// Filter restricts which basis signs produce findings.
type Filter string

const (
	Both     Filter = "both"
	Premium  Filter = "premium"
	Discount Filter = "discount"
)

// ParseFilter accepts both|premium|discount; empty means both.
func ParseFilter(v string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(v))) {
	case "", Both:
		return Both, nil
	case Premium:
		return Premium, nil
	case Discount:
		return Discount, nil
	default:
		return "", fmt.Errorf("unknown basis direction %q", v)
	}
}

// Allows reports whether d passes the filter.
func (f Filter) Allows(d finding.Direction) bool {
	switch f {
	case Premium:
		return d == finding.Premium
	case Discount:
		return d == finding.Discount
	default:
		return true
	}
}

// Rule is the threshold and sign filter for one pair kind.
type Rule struct {
	Enabled   bool
	Threshold float64
	Direction Filter
}

func (r Rule) passes(f finding.SpreadFinding) bool {
	return math.Abs(f.BasisPercent) >= r.Threshold && r.Direction.Allows(f.Direction)
}

// CrossVenueConfig scopes perpetual matching across venues.
type CrossVenueConfig struct {
	Rule
	// Venues limits matching; empty means every venue seen.
	Venues []string
	// PrimaryVenue is the reference leg whenever it takes part in a pair.
	PrimaryVenue string
	// Blacklist holds base assets never paired, e.g. LUNA.
	Blacklist []string
	// MinVolume is the per-venue floor on a leg's summed window volume.
	// Venues without an entry are not checked.
	MinVolume map[string]float64
}

// Config configures both matchers.
type Config struct {
	SpotFuture Rule
	CrossVenue CrossVenueConfig
	// Volume resolves the summed window volume of a leg. Without it the
	// cross-venue volume floor is not applied.
	Volume VolumeFunc
}

// LatestFunc resolves the most recent sample of an instrument.
type LatestFunc func(market.InstrumentKey) (market.Sample, bool)

// VolumeFunc resolves the volume retained for an instrument.
type VolumeFunc func(market.InstrumentKey) float64

// Stats counts matcher activity.
type Stats struct {
	Pairs   int
	Pending uint64
	Dropped uint64
	// Illiquid counts cross-venue evaluations skipped by the volume floor.
	Illiquid uint64
}

// Matcher owns the current pair set. Recompute swaps it atomically with
// respect to evaluation.
type Matcher struct {
	cfg       Config
	venues    map[string]struct{}
	primary   string
	blacklist map[string]struct{}
	minVolume map[string]float64
	logger    zerolog.Logger

	mu    sync.RWMutex
	pairs []market.Pair
	byKey map[market.InstrumentKey][]int

	pending  atomic.Uint64
	dropped  atomic.Uint64
	illiquid atomic.Uint64
}

// New constructs a Matcher with an empty pair set.
func New(cfg Config, logger zerolog.Logger) *Matcher {
	if cfg.SpotFuture.Direction == "" {
		cfg.SpotFuture.Direction = Both
	}
	if cfg.CrossVenue.Direction == "" {
		cfg.CrossVenue.Direction = Both
	}
	venues := make(map[string]struct{}, len(cfg.CrossVenue.Venues))
	for _, v := range cfg.CrossVenue.Venues {
		venues[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	blacklist := make(map[string]struct{}, len(cfg.CrossVenue.Blacklist))
	for _, b := range cfg.CrossVenue.Blacklist {
		blacklist[strings.ToUpper(strings.TrimSpace(b))] = struct{}{}
	}
	minVolume := make(map[string]float64, len(cfg.CrossVenue.MinVolume))
	for v, floor := range cfg.CrossVenue.MinVolume {
		minVolume[strings.ToLower(strings.TrimSpace(v))] = floor
	}
	return &Matcher{
		cfg:       cfg,
		venues:    venues,
		primary:   strings.ToLower(strings.TrimSpace(cfg.CrossVenue.PrimaryVenue)),
		blacklist: blacklist,
		minVolume: minVolume,
		logger:    logger.With().Str("component", "spread").Logger(),
		byKey:     make(map[market.InstrumentKey][]int),
	}
}

// Recompute derives the pair set from the active instruments and installs it.
// The result depends only on the set of keys, not their order or duplicates.
func (m *Matcher) Recompute(keys []market.InstrumentKey) []market.Pair {
	keys = lo.Uniq(keys)

	var pairs []market.Pair
	if m.cfg.SpotFuture.Enabled {
		pairs = append(pairs, m.spotFuturePairs(keys)...)
	}
	if m.cfg.CrossVenue.Enabled {
		pairs = append(pairs, m.crossVenuePairs(keys)...)
	}
	pairs = lo.UniqBy(pairs, market.Pair.ID)
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Less(pairs[j]) })

	m.install(pairs)
	m.logger.Debug().Int("instruments", len(keys)).Int("pairs", len(pairs)).Msg("pairs recomputed")
	return clonePairs(pairs)
}

func (m *Matcher) install(pairs []market.Pair) {
	m.mu.Lock()
	m.installLocked(pairs)
	m.mu.Unlock()
}

func (m *Matcher) installLocked(pairs []market.Pair) {
	byKey := make(map[market.InstrumentKey][]int, len(pairs)*2)
	for i, p := range pairs {
		byKey[p.Base] = append(byKey[p.Base], i)
		byKey[p.Quote] = append(byKey[p.Quote], i)
	}
	m.pairs = pairs
	m.byKey = byKey
}

type venueAsset struct {
	venue string
	asset market.Asset
}

func (m *Matcher) spotFuturePairs(keys []market.InstrumentKey) []market.Pair {
	groups := lo.GroupBy(keys, func(k market.InstrumentKey) venueAsset {
		return venueAsset{venue: k.Venue, asset: market.NormalizeSymbol(k.Symbol)}
	})

	var pairs []market.Pair
	for g, members := range groups {
		if g.asset.IsZero() {
			continue
		}
		spots := lo.Filter(members, func(k market.InstrumentKey, _ int) bool { return k.MarketType == market.Spot })
		derivs := lo.Filter(members, func(k market.InstrumentKey, _ int) bool { return k.MarketType.IsDerivative() })
		for _, s := range spots {
			for _, d := range derivs {
				pairs = append(pairs, market.Pair{Kind: market.SpotFuture, Asset: g.asset, Base: s, Quote: d})
			}
		}
	}
	return pairs
}

func (m *Matcher) crossVenuePairs(keys []market.InstrumentKey) []market.Pair {
	perps := lo.Filter(keys, func(k market.InstrumentKey, _ int) bool {
		if k.MarketType != market.Perp {
			return false
		}
		if len(m.venues) == 0 {
			return true
		}
		_, ok := m.venues[k.Venue]
		return ok
	})
	groups := lo.GroupBy(perps, func(k market.InstrumentKey) market.Asset {
		return market.NormalizeSymbol(k.Symbol)
	})

	var pairs []market.Pair
	for asset, members := range groups {
		if asset.IsZero() || m.blacklisted(asset) {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Less(members[j]) })
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				if members[i].Venue == members[j].Venue {
					continue
				}
				ref, other := m.orient(members[i], members[j])
				pairs = append(pairs, market.Pair{Kind: market.CrossVenue, Asset: asset, Base: ref, Quote: other})
			}
		}
	}
	return pairs
}

func (m *Matcher) blacklisted(a market.Asset) bool {
	_, ok := m.blacklist[a.Base]
	return ok
}

// orient picks the reference leg: the primary venue when present, otherwise
// the lexicographically smaller venue.
func (m *Matcher) orient(a, b market.InstrumentKey) (market.InstrumentKey, market.InstrumentKey) {
	switch {
	case m.primary != "" && a.Venue == m.primary:
		return a, b
	case m.primary != "" && b.Venue == m.primary:
		return b, a
	case b.Venue < a.Venue:
		return b, a
	default:
		return a, b
	}
}

// Pairs returns a copy of the current pair set.
func (m *Matcher) Pairs() []market.Pair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePairs(m.pairs)
}

// Invalidate drops every pair referencing one of keys. The pairs return on
// the next Recompute that includes both legs.
func (m *Matcher) Invalidate(keys []market.InstrumentKey) int {
	if len(keys) == 0 {
		return 0
	}
	gone := lo.SliceToMap(keys, func(k market.InstrumentKey) (market.InstrumentKey, struct{}) {
		return k, struct{}{}
	})

	m.mu.Lock()
	kept := lo.Filter(m.pairs, func(p market.Pair, _ int) bool {
		_, base := gone[p.Base]
		_, quote := gone[p.Quote]
		return !base && !quote
	})
	removed := len(m.pairs) - len(kept)
	if removed > 0 {
		m.installLocked(kept)
	}
	m.mu.Unlock()

	if removed == 0 {
		return 0
	}
	m.dropped.Add(uint64(removed))
	m.logger.Info().Int("dropped", removed).Msg("pairs dropped for inactive instruments")
	return removed
}

// Evaluate computes every pair and returns the findings that pass their rule.
func (m *Matcher) Evaluate(latest LatestFunc) []finding.SpreadFinding {
	m.mu.RLock()
	pairs := m.pairs
	m.mu.RUnlock()
	return m.evaluate(pairs, latest)
}

// EvaluateFor computes only the pairs that involve key.
func (m *Matcher) EvaluateFor(key market.InstrumentKey, latest LatestFunc) []finding.SpreadFinding {
	m.mu.RLock()
	idx := m.byKey[key]
	pairs := make([]market.Pair, len(idx))
	for i, j := range idx {
		pairs[i] = m.pairs[j]
	}
	m.mu.RUnlock()
	return m.evaluate(pairs, latest)
}

func (m *Matcher) evaluate(pairs []market.Pair, latest LatestFunc) []finding.SpreadFinding {
	var out []finding.SpreadFinding
	for _, p := range pairs {
		f, err := Compute(p, latest)
		if err != nil {
			m.pending.Add(1)
			continue
		}
		if p.Kind == market.CrossVenue && !m.liquid(p) {
			m.illiquid.Add(1)
			continue
		}
		if m.rule(p.Kind).passes(f) {
			out = append(out, f)
		}
	}
	return out
}

// liquid applies the per-venue volume floor to both legs.
func (m *Matcher) liquid(p market.Pair) bool {
	if m.cfg.Volume == nil || len(m.minVolume) == 0 {
		return true
	}
	for _, leg := range []market.InstrumentKey{p.Base, p.Quote} {
		floor, ok := m.minVolume[leg.Venue]
		if ok && m.cfg.Volume(leg) < floor {
			m.logger.Debug().Str("instrument", leg.String()).Float64("floor", floor).Msg("cross-venue leg below volume floor")
			return false
		}
	}
	return true
}

func (m *Matcher) rule(kind market.PairKind) Rule {
	if kind == market.CrossVenue {
		return m.cfg.CrossVenue.Rule
	}
	return m.cfg.SpotFuture
}

// Compute builds the basis finding for one pair without applying any rule.
func Compute(p market.Pair, latest LatestFunc) (finding.SpreadFinding, error) {
	base, ok := latest(p.Base)
	if !ok || base.Price <= 0 {
		return finding.SpreadFinding{}, fmt.Errorf("%w: %s", ErrInconsistentPair, p.Base)
	}
	quote, ok := latest(p.Quote)
	if !ok || quote.Price <= 0 {
		return finding.SpreadFinding{}, fmt.Errorf("%w: %s", ErrInconsistentPair, p.Quote)
	}
	ts := base.Timestamp
	if quote.Timestamp.After(ts) {
		ts = quote.Timestamp
	}
	return finding.NewSpread(p, base.Price, quote.Price, ts), nil
}

// Stats returns the current counters.
func (m *Matcher) Stats() Stats {
	m.mu.RLock()
	n := len(m.pairs)
	m.mu.RUnlock()
	return Stats{Pairs: n, Pending: m.pending.Load(), Dropped: m.dropped.Load(), Illiquid: m.illiquid.Load()}
}

func clonePairs(pairs []market.Pair) []market.Pair {
	if len(pairs) == 0 {
		return nil
	}
	out := make([]market.Pair, len(pairs))
	copy(out, pairs)
	return out
}

// Package feed defines the ingestion boundary between venue adapters and the
// engine, plus the registry that merges the instrument sets adapters announce.
package feed

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"market-radar/internal/market"
)

// Sink receives samples and instrument-set changes. The engine implements it.
type Sink interface {
	OnSample(market.Sample) error
	OnInstrumentSetChanged([]market.InstrumentKey)
}

// Registry tracks the instruments announced by each adapter and forwards the
// union to the sink whenever one of them changes.
type Registry struct {
	sink Sink

	mu      sync.Mutex
	sources map[string][]market.InstrumentKey
}

// NewRegistry wraps sink.
func NewRegistry(sink Sink) *Registry {
	return &Registry{sink: sink, sources: make(map[string][]market.InstrumentKey)}
}

// Announce replaces the instrument list of source. An empty list withdraws it.
func (r *Registry) Announce(source string, keys []market.InstrumentKey) {
	r.mu.Lock()
	if len(keys) == 0 {
		delete(r.sources, source)
	} else {
		r.sources[source] = append([]market.InstrumentKey(nil), keys...)
	}
	union := r.unionLocked()
	r.mu.Unlock()

	r.sink.OnInstrumentSetChanged(union)
}

// Instruments returns the current union, sorted.
func (r *Registry) Instruments() []market.InstrumentKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unionLocked()
}

func (r *Registry) unionLocked() []market.InstrumentKey {
	union := lo.Uniq(lo.Flatten(lo.Values(r.sources)))
	sort.Slice(union, func(i, j int) bool { return union[i].Less(union[j]) })
	return union
}

// Sink returns the wrapped sink.
func (r *Registry) Sink() Sink {
	return r.sink
}

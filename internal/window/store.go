// Package window keeps a time-bounded series of samples per instrument.
//
// Each instrument owns its own lock so ingestion for different instruments never
// contends; readers receive a copy and never observe a half-applied insert.
package window

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"market-radar/internal/market"
)

var (
	// ErrInvalidSample reports a non-positive price or volume.
	ErrInvalidSample = errors.New("window: invalid sample")
	// ErrStaleSample reports a sample older than the earliest retained one.
	ErrStaleSample = errors.New("window: stale sample")
)

// Options tune retention.
type Options struct {
	Lookback time.Duration
	IdleTTL  time.Duration
	// Now is used to stamp inserts for idle tracking. Defaults to time.Now.
	Now func() time.Time
}

// Stats is a point-in-time copy of the store counters.
type Stats struct {
	Windows        int
	Ingested       uint64
	Replaced       uint64
	Invalid        uint64
	Stale          uint64
	EvictedSamples uint64
	EvictedWindows uint64
}

type series struct {
	mu         sync.Mutex
	samples    []market.Sample
	lastInsert time.Time
	// reaped is set once the series left the map; writers must re-resolve it.
	reaped bool
}

// Store owns one series per instrument key.
type Store struct {
	opts Options

	mu      sync.RWMutex
	windows map[market.InstrumentKey]*series

	ingested       atomic.Uint64
	replaced       atomic.Uint64
	invalid        atomic.Uint64
	stale          atomic.Uint64
	evictedSamples atomic.Uint64
	evictedWindows atomic.Uint64
}

// New constructs a Store.
func New(opts Options) *Store {
	if opts.Lookback <= 0 {
		panic("window lookback must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{opts: opts, windows: make(map[market.InstrumentKey]*series)}
}

// Lookback returns the configured retention span.
func (s *Store) Lookback() time.Duration {
	return s.opts.Lookback
}

// Ingest inserts a sample into its instrument window and evicts samples older
// than latest-lookback. A sample carrying the timestamp of a retained sample
// replaces it, which is how in-progress candle updates arrive.
func (s *Store) Ingest(sample market.Sample) error {
	if !(sample.Price > 0) || !(sample.Volume > 0) || sample.Timestamp.IsZero() {
		s.invalid.Add(1)
		return ErrInvalidSample
	}

	w := s.lockSeries(sample.Key)
	defer w.mu.Unlock()

	n := len(w.samples)
	if n > 0 && sample.Timestamp.Before(w.samples[0].Timestamp) {
		s.stale.Add(1)
		return ErrStaleSample
	}

	idx := sort.Search(n, func(i int) bool {
		return !w.samples[i].Timestamp.Before(sample.Timestamp)
	})
	if idx < n && w.samples[idx].Timestamp.Equal(sample.Timestamp) {
		w.samples[idx] = sample
		s.replaced.Add(1)
	} else {
		w.samples = slices.Insert(w.samples, idx, sample)
	}
	w.lastInsert = s.opts.Now()
	s.ingested.Add(1)

	s.evictLocked(w)
	return nil
}

func (s *Store) evictLocked(w *series) {
	latest := w.samples[len(w.samples)-1].Timestamp
	cutoff := latest.Add(-s.opts.Lookback)
	drop := 0
	for drop < len(w.samples) && w.samples[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	// copy out so the evicted prefix can be collected
	w.samples = append([]market.Sample(nil), w.samples[drop:]...)
	s.evictedSamples.Add(uint64(drop))
}

// lockSeries returns the live series for key with its lock held.
func (s *Store) lockSeries(key market.InstrumentKey) *series {
	for {
		w := s.getOrCreate(key)
		w.mu.Lock()
		if !w.reaped {
			return w
		}
		w.mu.Unlock()
	}
}

func (s *Store) getOrCreate(key market.InstrumentKey) *series {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[key]; ok {
		return w
	}
	w = &series{}
	s.windows[key] = w
	return w
}

func (s *Store) get(key market.InstrumentKey) (*series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[key]
	return w, ok
}

// Snapshot returns a copy of the retained window in ascending timestamp order.
func (s *Store) Snapshot(key market.InstrumentKey) []market.Sample {
	w, ok := s.get(key)
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return nil
	}
	out := make([]market.Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Latest returns the most recent sample for key.
func (s *Store) Latest(key market.InstrumentKey) (market.Sample, bool) {
	w, ok := s.get(key)
	if !ok {
		return market.Sample{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return market.Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Volume sums the volume retained in the window of key.
func (s *Store) Volume(key market.InstrumentKey) float64 {
	w, ok := s.get(key)
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var total float64
	for _, sample := range w.samples {
		total += sample.Volume
	}
	return total
}

// Keys lists the instruments that currently own a window, sorted.
func (s *Store) Keys() []market.InstrumentKey {
	s.mu.RLock()
	keys := make([]market.InstrumentKey, 0, len(s.windows))
	for k := range s.windows {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// EvictIdle removes windows without an insert within IdleTTL of now and
// returns the removed keys. A non-positive IdleTTL disables reaping.
func (s *Store) EvictIdle(now time.Time) []market.InstrumentKey {
	if s.opts.IdleTTL <= 0 {
		return nil
	}
	cutoff := now.Add(-s.opts.IdleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []market.InstrumentKey
	for key, w := range s.windows {
		w.mu.Lock()
		idle := w.lastInsert.Before(cutoff)
		if idle {
			w.reaped = true
			delete(s.windows, key)
			removed = append(removed, key)
		}
		w.mu.Unlock()
	}
	s.evictedWindows.Add(uint64(len(removed)))
	sort.Slice(removed, func(i, j int) bool { return removed[i].Less(removed[j]) })
	return removed
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	windows := len(s.windows)
	s.mu.RUnlock()

	return Stats{
		Windows:        windows,
		Ingested:       s.ingested.Load(),
		Replaced:       s.replaced.Load(),
		Invalid:        s.invalid.Load(),
		Stale:          s.stale.Load(),
		EvictedSamples: s.evictedSamples.Load(),
		EvictedWindows: s.evictedWindows.Load(),
	}
}

// Package engine wires the window store, detector, spread matcher and
// dispatcher behind the ingestion boundary used by feed adapters.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"market-radar/internal/detector"
	"market-radar/internal/dispatch"
	"market-radar/internal/feed"
	"market-radar/internal/finding"
	"market-radar/internal/market"
	"market-radar/internal/scheduler"
	"market-radar/internal/spread"
	"market-radar/internal/window"
)

var (
	// ErrBackpressure reports that the sample's shard queue is full.
	ErrBackpressure = errors.New("engine: shard queue full")
	// ErrClosed reports a call after Shutdown started.
	ErrClosed = errors.New("engine: closed")
)

// Mode selects when spreads are evaluated.
type Mode string

const (
	// ModeUpdate evaluates the pairs of an instrument on each of its samples.
	ModeUpdate Mode = "update"
	// ModeInterval evaluates every pair on a fixed tick.
	ModeInterval Mode = "interval"
)

// ParseMode accepts update|interval; empty means update.
func ParseMode(v string) (Mode, error) {
	switch Mode(v) {
	case "", ModeUpdate:
		return ModeUpdate, nil
	case ModeInterval:
		return ModeInterval, nil
	default:
		return "", fmt.Errorf("unknown evaluation mode %q", v)
	}
}

// Options tune the worker model.
type Options struct {
	Shards             int
	ShardQueueSize     int
	Mode               Mode
	EvaluationInterval time.Duration
	ReapInterval       time.Duration
	// ShutdownGrace bounds the dispatcher drain in Run.
	ShutdownGrace time.Duration
	// Clock, when set, is advanced by every processed sample and replaces the
	// tick time in the reaper. Collaborators sharing it see sample time.
	Clock *SampleClock
}

// SampleClock reports the newest sample timestamp seen so far. It never moves backwards.
type SampleClock struct {
	nanos atomic.Int64
}

// Advance moves the clock to t when t is newer.
func (c *SampleClock) Advance(t time.Time) {
	n := t.UnixNano()
	for {
		cur := c.nanos.Load()
		if n <= cur || c.nanos.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Now returns the newest timestamp, or the zero time before any sample.
func (c *SampleClock) Now() time.Time {
	n := c.nanos.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (o *Options) applyDefaults() {
	if o.Shards <= 0 {
		o.Shards = 4
	}
	if o.ShardQueueSize <= 0 {
		o.ShardQueueSize = 1024
	}
	if o.Mode == "" {
		o.Mode = ModeUpdate
	}
	if o.EvaluationInterval <= 0 {
		o.EvaluationInterval = time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
}

// Deps are the collaborators the engine drives. Collaborators are closed in
// reverse order after the dispatcher has drained.
type Deps struct {
	Store         *window.Store
	Detector      *detector.Detector
	Matcher       *spread.Matcher
	Dispatcher    *dispatch.Dispatcher
	Collaborators []io.Closer
}

// Health is a point-in-time view used by adapters and the CLI.
type Health struct {
	Running       bool
	Closed        bool
	Mode          Mode
	QueueDepth    int
	QueueCapacity int
	Accepted      uint64
	Processed     uint64
	Backpressure  uint64
	Discarded     uint64
	Findings      uint64
	Window        window.Stats
	Spread        spread.Stats
	Dispatch      dispatch.Stats
}

var _ feed.Sink = (*Engine)(nil)

// Engine is created once per process and passed to every adapter.
type Engine struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger

	shards      []chan market.Sample
	instruments chan []market.InstrumentKey

	closeMu sync.RWMutex
	closed  bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	accepted     atomic.Uint64
	processed    atomic.Uint64
	backpressure atomic.Uint64
	discarded    atomic.Uint64
	findings     atomic.Uint64

	invalidLog rate.Sometimes
}

// New builds an engine; workers start with Start.
func New(opts Options, deps Deps, logger zerolog.Logger) *Engine {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	shards := make([]chan market.Sample, opts.Shards)
	for i := range shards {
		shards[i] = make(chan market.Sample, opts.ShardQueueSize)
	}

	return &Engine{
		opts:        opts,
		deps:        deps,
		logger:      logger.With().Str("component", "engine").Logger(),
		shards:      shards,
		instruments: make(chan []market.InstrumentKey, 1),
		ctx:         ctx,
		cancel:      cancel,
		invalidLog:  rate.Sometimes{First: 5, Interval: 30 * time.Second},
	}
}

// OnSample hands a sample to its instrument's shard. It never blocks.
func (e *Engine) OnSample(s market.Sample) error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return ErrClosed
	}

	select {
	case e.shards[e.shardFor(s.Key)] <- s:
		e.accepted.Add(1)
		return nil
	default:
		e.backpressure.Add(1)
		return ErrBackpressure
	}
}

// OnInstrumentSetChanged schedules a pair recompute. Only the most recent
// set is kept when several arrive before the matcher worker runs.
func (e *Engine) OnInstrumentSetChanged(keys []market.InstrumentKey) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return
	}

	set := append([]market.InstrumentKey(nil), keys...)
	for {
		select {
		case e.instruments <- set:
			return
		default:
		}
		select {
		case <-e.instruments:
		default:
		}
	}
}

func (e *Engine) shardFor(key market.InstrumentKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(len(e.shards)))
}

// Start launches shard workers, the matcher worker and the periodic jobs.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}

	for _, ch := range e.shards {
		e.wg.Add(1)
		go e.shardWorker(ch)
	}

	e.wg.Add(1)
	go e.matcherWorker()

	if e.opts.Mode == ModeInterval {
		e.runScheduled("spread_eval", e.opts.EvaluationInterval, e.evaluateTick)
	}
	e.runScheduled("reaper", e.opts.ReapInterval, e.reapTick)

	e.logger.Info().
		Int("shards", len(e.shards)).
		Str("mode", string(e.opts.Mode)).
		Dur("lookback", e.deps.Store.Lookback()).
		Msg("engine started")
}

func (e *Engine) runScheduled(name string, interval time.Duration, fn scheduler.TickFunc) {
	sched := scheduler.New(scheduler.Options{Name: name, Interval: interval}, e.logger)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = sched.Run(e.ctx, fn)
	}()
}

// Run starts the engine, blocks until ctx is done, then shuts down within
// the configured grace period.
func (e *Engine) Run(ctx context.Context) error {
	e.Start()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.opts.ShutdownGrace)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func (e *Engine) shardWorker(ch <-chan market.Sample) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case s := <-ch:
			e.process(s)
		}
	}
}

func (e *Engine) process(s market.Sample) {
	defer e.processed.Add(1)
	if e.opts.Clock != nil {
		e.opts.Clock.Advance(s.Timestamp)
	}
	if err := e.deps.Store.Ingest(s); err != nil {
		if errors.Is(err, window.ErrInvalidSample) {
			e.invalidLog.Do(func() {
				e.logger.Warn().Str("instrument", s.Key.String()).
					Float64("price", s.Price).
					Float64("volume", s.Volume).
					Msg("invalid sample dropped")
			})
		}
		return
	}

	snap := e.deps.Store.Snapshot(s.Key)
	for _, f := range e.deps.Detector.Evaluate(s.Key, snap) {
		e.submit(f)
	}

	if e.opts.Mode == ModeUpdate && e.deps.Matcher != nil {
		for _, f := range e.deps.Matcher.EvaluateFor(s.Key, e.deps.Store.Latest) {
			e.submit(f)
		}
	}
}

func (e *Engine) submit(f finding.Finding) {
	if e.ctx.Err() != nil {
		return
	}
	e.findings.Add(1)
	e.deps.Dispatcher.Submit(f)
}

func (e *Engine) matcherWorker() {
	defer e.wg.Done()
	if e.deps.Matcher == nil {
		return
	}
	for {
		select {
		case <-e.ctx.Done():
			return
		case keys := <-e.instruments:
			pairs := e.deps.Matcher.Recompute(keys)
			e.logger.Info().Int("instruments", len(keys)).Int("pairs", len(pairs)).Msg("instrument set changed")
		}
	}
}

func (e *Engine) evaluateTick(_ context.Context, _ time.Time) error {
	if e.deps.Matcher == nil {
		return nil
	}
	for _, f := range e.deps.Matcher.Evaluate(e.deps.Store.Latest) {
		e.submit(f)
	}
	return nil
}

func (e *Engine) reapTick(_ context.Context, now time.Time) error {
	if e.opts.Clock != nil {
		now = e.opts.Clock.Now()
		if now.IsZero() {
			return nil
		}
	}
	removed := e.deps.Store.EvictIdle(now)
	if len(removed) > 0 {
		dropped := 0
		if e.deps.Matcher != nil {
			dropped = e.deps.Matcher.Invalidate(removed)
		}
		e.logger.Info().Int("windows", len(removed)).Int("pairs", dropped).Msg("idle instruments reaped")
	}
	if pruned := e.deps.Dispatcher.Prune(now); pruned > 0 {
		e.logger.Debug().Int("records", pruned).Msg("expired cooldown records pruned")
	}
	return nil
}

// Shutdown stops intake, stops every worker, drains the dispatcher within
// ctx and finally closes the collaborators. Samples still queued in shards
// are discarded. It is safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	e.cancel()
	e.wg.Wait()

	discarded := 0
	for _, ch := range e.shards {
		for len(ch) > 0 {
			<-ch
			discarded++
		}
	}
	e.discarded.Add(uint64(discarded))

	var errs []error
	if err := e.deps.Dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	for i := len(e.deps.Collaborators) - 1; i >= 0; i-- {
		if err := e.deps.Collaborators[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close collaborator: %w", err))
		}
	}
	e.deps.Collaborators = nil

	st := e.deps.Dispatcher.Stats()
	e.logger.Info().
		Int("discarded_samples", discarded).
		Uint64("alerts_sent", st.Sent).
		Uint64("alerts_dropped", st.Dropped).
		Msg("engine stopped")
	return errors.Join(errs...)
}

// Health reports queue depth and component counters.
func (e *Engine) Health() Health {
	e.closeMu.RLock()
	closed := e.closed
	e.closeMu.RUnlock()

	depth := 0
	for _, ch := range e.shards {
		depth += len(ch)
	}

	h := Health{
		Running:       e.started.Load() && !closed,
		Closed:        closed,
		Mode:          e.opts.Mode,
		QueueDepth:    depth,
		QueueCapacity: len(e.shards) * e.opts.ShardQueueSize,
		Accepted:      e.accepted.Load(),
		Processed:     e.processed.Load(),
		Backpressure:  e.backpressure.Load(),
		Discarded:     e.discarded.Load(),
		Findings:      e.findings.Load(),
		Window:        e.deps.Store.Stats(),
		Dispatch:      e.deps.Dispatcher.Stats(),
	}
	if e.deps.Matcher != nil {
		h.Spread = e.deps.Matcher.Stats()
	}
	return h
}

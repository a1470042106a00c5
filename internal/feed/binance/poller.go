// Package binance polls Binance REST klines for spot and USD-M futures
// listings and forwards the latest candle of each instrument to the engine.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"market-radar/internal/engine"
	"market-radar/internal/feed"
	"market-radar/internal/market"
	"market-radar/internal/scheduler"
)

const venue = "binance"

// Options tune discovery and polling.
type Options struct {
	Spot    bool
	Futures bool
	// Quotes keeps listings quoted in one of these assets; empty keeps all.
	Quotes []string
	// Symbols restricts polling to an allowlist; empty keeps every match.
	Symbols []string

	Interval          string
	PollInterval      time.Duration
	DiscoveryInterval time.Duration
	RequestsPerSecond float64
	Concurrency       int
	MaxRetries        uint64

	SpotBaseURL    string
	FuturesBaseURL string
}

func (o *Options) applyDefaults() {
	if o.Interval == "" {
		o.Interval = "1m"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = time.Hour
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
}

// Stats are cumulative poller counters.
type Stats struct {
	Instruments  int
	Polls        uint64
	Samples      uint64
	Errors       uint64
	Backpressure uint64
}

type instrument struct {
	api MarketAPI
	key market.InstrumentKey
}

// Poller discovers listings and polls their latest candle.
type Poller struct {
	opts     Options
	apis     []MarketAPI
	registry *feed.Registry
	limiter  *rate.Limiter
	logger   zerolog.Logger

	mu          sync.RWMutex
	instruments []instrument
	discovered  time.Time

	polls        atomic.Uint64
	samples      atomic.Uint64
	errs         atomic.Uint64
	backpressure atomic.Uint64
	sinkClosed   atomic.Bool
}

// New builds a poller against the public Binance endpoints selected in opts.
func New(opts Options, registry *feed.Registry, logger zerolog.Logger) *Poller {
	var apis []MarketAPI
	if opts.Spot {
		apis = append(apis, NewSpotAPI(opts.SpotBaseURL))
	}
	if opts.Futures {
		apis = append(apis, NewFuturesAPI(opts.FuturesBaseURL))
	}
	return NewWithAPIs(opts, apis, registry, logger)
}

// NewWithAPIs builds a poller over explicit API implementations.
func NewWithAPIs(opts Options, apis []MarketAPI, registry *feed.Registry, logger zerolog.Logger) *Poller {
	opts.applyDefaults()
	return &Poller{
		opts:     opts,
		apis:     apis,
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Concurrency),
		logger:   logger.With().Str("component", "binance_poller").Logger(),
	}
}

// Run discovers instruments, then polls on the configured interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.apis) == 0 {
		return errors.New("binance poller: neither spot nor futures enabled")
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(func() error { return p.discover(ctx, time.Now()) }, bo); err != nil {
		return fmt.Errorf("binance discovery: %w", err)
	}
	defer p.registry.Announce(venue, nil)

	if err := p.Tick(ctx, time.Now().UTC()); err != nil {
		p.logger.Warn().Err(err).Msg("initial poll incomplete")
	}

	sched := scheduler.New(scheduler.Options{Name: "binance_poll", Interval: p.opts.PollInterval}, p.logger)
	return sched.Run(ctx, p.Tick)
}

// Tick refreshes discovery when due and polls every instrument once.
func (p *Poller) Tick(ctx context.Context, now time.Time) error {
	if p.sinkClosed.Load() {
		return engine.ErrClosed
	}

	p.mu.RLock()
	due := now.Sub(p.discovered) >= p.opts.DiscoveryInterval
	p.mu.RUnlock()
	if due {
		if err := p.discover(ctx, now); err != nil {
			p.logger.Warn().Err(err).Msg("rediscovery failed; keeping previous instruments")
		}
	}

	p.mu.RLock()
	targets := append([]instrument(nil), p.instruments...)
	p.mu.RUnlock()

	jobs := make(chan instrument)
	var wg sync.WaitGroup
	var failed atomic.Int64
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for in := range jobs {
				if err := p.pollOne(ctx, in); err != nil {
					failed.Add(1)
					p.errs.Add(1)
					p.logger.Debug().Err(err).Str("instrument", in.key.String()).Msg("poll failed")
				}
			}
		}()
	}

enqueue:
	for _, in := range targets {
		if p.sinkClosed.Load() {
			break
		}
		select {
		case <-ctx.Done():
			break enqueue
		case jobs <- in:
		}
	}
	close(jobs)
	wg.Wait()
	p.polls.Add(1)

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d instruments failed", n, len(targets))
	}
	return ctx.Err()
}

func (p *Poller) pollOne(ctx context.Context, in instrument) error {
	var candle Candle
	op := func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		c, err := in.api.LatestCandle(ctx, in.key.Symbol, p.opts.Interval)
		if err != nil {
			return err
		}
		candle = c
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.opts.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return err
	}

	err := p.registry.Sink().OnSample(market.Sample{
		Key:       in.key,
		Timestamp: candle.OpenTime,
		Price:     candle.Close.InexactFloat64(),
		Volume:    candle.Volume.InexactFloat64(),
	})
	switch {
	case err == nil:
		p.samples.Add(1)
	case errors.Is(err, engine.ErrBackpressure):
		p.backpressure.Add(1)
	case errors.Is(err, engine.ErrClosed):
		p.sinkClosed.Store(true)
	default:
		return err
	}
	return nil
}

func (p *Poller) discover(ctx context.Context, now time.Time) error {
	quotes := lo.Map(p.opts.Quotes, func(q string, _ int) string { return strings.ToUpper(q) })
	allow := lo.Map(p.opts.Symbols, func(s string, _ int) string { return strings.ToUpper(s) })

	var found []instrument
	for _, api := range p.apis {
		infos, err := api.Symbols(ctx)
		if err != nil {
			return err
		}
		kept := lo.Filter(infos, func(s SymbolInfo, _ int) bool {
			if !s.Trading {
				return false
			}
			if len(quotes) > 0 && !lo.Contains(quotes, strings.ToUpper(s.Quote)) {
				return false
			}
			return len(allow) == 0 || lo.Contains(allow, strings.ToUpper(s.Symbol))
		})
		for _, s := range kept {
			found = append(found, instrument{api: api, key: market.NewKey(venue, s.Symbol, s.MarketType)})
		}
	}

	p.mu.Lock()
	p.instruments = found
	p.discovered = now
	p.mu.Unlock()

	keys := lo.Map(found, func(in instrument, _ int) market.InstrumentKey { return in.key })
	p.registry.Announce(venue, keys)
	p.logger.Info().Int("instruments", len(keys)).Msg("binance listings discovered")
	return nil
}

// Instruments returns the keys currently polled.
func (p *Poller) Instruments() []market.InstrumentKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return lo.Map(p.instruments, func(in instrument, _ int) market.InstrumentKey { return in.key })
}

// Stats returns poller counters.
func (p *Poller) Stats() Stats {
	p.mu.RLock()
	n := len(p.instruments)
	p.mu.RUnlock()
	return Stats{
		Instruments:  n,
		Polls:        p.polls.Load(),
		Samples:      p.samples.Load(),
		Errors:       p.errs.Load(),
		Backpressure: p.backpressure.Load(),
	}
}

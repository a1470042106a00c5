// Package stream runs push adapters that read candle updates over websockets
// and forward them to the engine.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"market-radar/internal/engine"
	"market-radar/internal/feed"
	"market-radar/internal/market"
)

const (
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = time.Minute
	defaultKeepAlive         = 20 * time.Second
)

// Options parameterise one websocket connection.
type Options struct {
	Symbols           []string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	KeepAlive         time.Duration
	HandshakeTimeout  time.Duration
}

// Stats are cumulative counters for one stream.
type Stats struct {
	Connects     uint64
	Frames       uint64
	Samples      uint64
	DecodeErrors uint64
	Backpressure uint64
}

// Stream keeps one websocket session alive and forwards decoded samples.
type Stream struct {
	name     string
	opts     Options
	decoder  Decoder
	registry *feed.Registry
	dialer   websocket.Dialer
	logger   zerolog.Logger

	connects     atomic.Uint64
	frames       atomic.Uint64
	samples      atomic.Uint64
	decodeErrors atomic.Uint64
	backpressure atomic.Uint64

	noisy rate.Sometimes
}

// New builds a stream for decoder. Symbols are announced to registry when Run starts.
func New(opts Options, decoder Decoder, registry *feed.Registry, logger zerolog.Logger) *Stream {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	name := fmt.Sprintf("%s_%s_stream", decoder.Venue(), decoder.MarketType())
	return &Stream{
		name:     name,
		opts:     opts,
		decoder:  decoder,
		registry: registry,
		dialer:   websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		logger:   logger.With().Str("component", name).Logger(),
		noisy:    rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
}

// Name identifies the stream in the registry and logs.
func (s *Stream) Name() string { return s.name }

// Instruments returns the keys this stream produces.
func (s *Stream) Instruments() []market.InstrumentKey {
	return lo.Map(s.opts.Symbols, func(sym string, _ int) market.InstrumentKey {
		return market.NewKey(s.decoder.Venue(), sym, s.decoder.MarketType())
	})
}

// Run reconnects with exponential backoff until ctx is done or the sink closes.
func (s *Stream) Run(ctx context.Context) error {
	if len(s.opts.Symbols) == 0 {
		return errors.New("stream: no symbols configured")
	}
	s.registry.Announce(s.name, s.Instruments())
	defer s.registry.Announce(s.name, nil)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.ReconnectDelay
	bo.MaxInterval = s.opts.MaxReconnectDelay
	bo.MaxElapsedTime = 0

	endpoint := s.decoder.Endpoint(s.opts.Symbols)
	for {
		connected, err := s.session(ctx, endpoint)
		if errors.Is(err, engine.ErrClosed) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		s.logger.Warn().Err(err).Str("url", endpoint).Dur("retry_in", wait).Msg("websocket session ended")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Stream) session(ctx context.Context, endpoint string) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	s.connects.Add(1)

	if sub := s.decoder.Subscription(s.opts.Symbols); sub != nil {
		if err := conn.WriteJSON(sub); err != nil {
			return true, fmt.Errorf("subscribe: %w", err)
		}
	}
	s.logger.Info().Str("url", endpoint).Int("symbols", len(s.opts.Symbols)).Msg("websocket connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(sessionCtx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if sessionCtx.Err() != nil {
				return true, sessionCtx.Err()
			}
			return true, fmt.Errorf("read: %w", err)
		}
		if err := s.handle(raw); err != nil {
			return true, err
		}
	}
}

// keepAlive pings on an interval and closes the connection once ctx ends so
// a blocked ReadMessage returns.
func (s *Stream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				s.logger.Debug().Err(err).Msg("websocket ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Stream) handle(raw []byte) error {
	s.frames.Add(1)
	samples, err := s.decoder.Decode(raw)
	if err != nil {
		s.decodeErrors.Add(1)
		s.noisy.Do(func() { s.logger.Warn().Err(err).Msg("frame dropped") })
		return nil
	}

	sink := s.registry.Sink()
	for _, sample := range samples {
		switch err := sink.OnSample(sample); {
		case err == nil:
			s.samples.Add(1)
		case errors.Is(err, engine.ErrBackpressure):
			s.backpressure.Add(1)
		default:
			return err
		}
	}
	return nil
}

// Stats returns the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Connects:     s.connects.Load(),
		Frames:       s.frames.Load(),
		Samples:      s.samples.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Backpressure: s.backpressure.Load(),
	}
}

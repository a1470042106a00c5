package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"market-radar/internal/alerting"
	"market-radar/internal/config"
	"market-radar/internal/detector"
	"market-radar/internal/dispatch"
	"market-radar/internal/engine"
	"market-radar/internal/feed"
	"market-radar/internal/feed/binance"
	"market-radar/internal/feed/stream"
	"market-radar/internal/finding"
	"market-radar/internal/market"
	"market-radar/internal/scheduler"
	"market-radar/internal/spread"
	"market-radar/internal/storage"
	"market-radar/internal/window"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// newRouter binds the configured transports per channel. With alerting
// disabled or nothing configured, alerts only go to the log.
func (a *App) newRouter() *alerting.Router {
	router := alerting.NewRouter()
	if !a.Config.Alerting.Enabled {
		return router.Bind(alerting.General, alerting.NewLogNotifier(a.Logger))
	}

	timeout := a.Config.Alerting.SendTimeout
	channels := map[alerting.Channel]config.ChannelConfig{
		alerting.General:    a.Config.Alerting.Channels.General,
		alerting.SpotFuture: a.Config.Alerting.Channels.SpotFuture,
		alerting.CrossVenue: a.Config.Alerting.Channels.CrossVenue,
	}
	for ch, cfg := range channels {
		if cfg.Telegram.Enabled {
			router.Bind(ch, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, timeout, a.Logger))
		}
		if cfg.Lark.Enabled {
			router.Bind(ch, alerting.NewLarkNotifier(cfg.Lark.WebhookURL, cfg.Lark.Secret, timeout, a.Logger))
		}
	}
	if !router.Has(alerting.General) {
		a.Logger.Warn().Msg("general alert channel not configured; logging alerts instead")
		router.Bind(alerting.General, alerting.NewLogNotifier(a.Logger))
	}
	return router
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) cooldowns() map[finding.Kind]time.Duration {
	c := a.Config.Alerting.Cooldowns
	return map[finding.Kind]time.Duration{
		finding.PriceSurge:      c.PriceSurge,
		finding.VolumeSpike:     c.VolumeSpike,
		finding.SpotFutureBasis: c.SpotFutureBasis,
		finding.CrossVenueBasis: c.CrossVenueBasis,
	}
}

func (a *App) spreadConfig() (spread.Config, error) {
	sf := a.Config.Spread.SpotFuture
	sfDir, err := spread.ParseFilter(sf.Direction)
	if err != nil {
		return spread.Config{}, err
	}
	cv := a.Config.Spread.CrossVenue
	cvDir, err := spread.ParseFilter(cv.Direction)
	if err != nil {
		return spread.Config{}, err
	}
	return spread.Config{
		SpotFuture: spread.Rule{Enabled: sf.Enabled, Threshold: sf.Threshold, Direction: sfDir},
		CrossVenue: spread.CrossVenueConfig{
			Rule:         spread.Rule{Enabled: cv.Enabled, Threshold: cv.Threshold, Direction: cvDir},
			Venues:       cv.Venues,
			PrimaryVenue: cv.PrimaryVenue,
			Blacklist:    cv.Blacklist,
			MinVolume:    cv.MinVolume,
		},
	}, nil
}

// newEngine wires the core from configuration. audit may be nil. A non-nil
// clock runs the engine on sample time on a single shard, so recorded data
// yields the same findings and cooldowns on every run.
func (a *App) newEngine(notifier alerting.Notifier, audit storage.AlertStore, collaborators []io.Closer, clock *engine.SampleClock) (*engine.Engine, engine.Deps, error) {
	ec := a.Config.Engine
	mode, err := engine.ParseMode(ec.EvaluationMode)
	if err != nil {
		return nil, engine.Deps{}, err
	}
	spreadCfg, err := a.spreadConfig()
	if err != nil {
		return nil, engine.Deps{}, err
	}

	shards := ec.Shards
	var now func() time.Time
	if clock != nil {
		shards = 1
		mode = engine.ModeUpdate
		now = clock.Now
	}

	store := window.New(window.Options{Lookback: ec.Lookback, IdleTTL: ec.IdleTTL, Now: now})
	spreadCfg.Volume = store.Volume

	deps := engine.Deps{
		Store: store,
		Detector: detector.New(detector.Config{
			MinPriceIncreasePercent: a.Config.Detector.MinPriceIncreasePercent,
			VolumeSpikeThreshold:    a.Config.Detector.VolumeSpikeThreshold,
			SkipStablecoinPairs:     a.Config.Detector.SkipStablecoinPairs,
		}),
		Matcher: spread.New(spreadCfg, a.Logger),
		Dispatcher: dispatch.New(dispatch.Options{
			QueueSize:   a.Config.Alerting.QueueSize,
			Workers:     a.Config.Alerting.Workers,
			SendTimeout: a.Config.Alerting.SendTimeout,
			BucketWidth: a.Config.Alerting.BucketWidth,
			Cooldowns:   a.cooldowns(),
			Now:         now,
		}, notifier, audit, a.Logger),
		Collaborators: collaborators,
	}

	eng := engine.New(engine.Options{
		Shards:             shards,
		ShardQueueSize:     ec.ShardQueueSize,
		Mode:               mode,
		EvaluationInterval: ec.EvaluationInterval,
		ReapInterval:       ec.ReapInterval,
		ShutdownGrace:      ec.ShutdownGrace,
		Clock:              clock,
	}, deps, a.Logger)
	return eng, deps, nil
}

type adapter interface {
	Run(ctx context.Context) error
}

func (a *App) newAdapters(registry *feed.Registry) ([]adapter, error) {
	var adapters []adapter

	bc := a.Config.Feeds.Binance
	if bc.Enabled {
		adapters = append(adapters, binance.New(binance.Options{
			Spot:              bc.Spot,
			Futures:           bc.Futures,
			Quotes:            bc.Quotes,
			Symbols:           bc.Symbols,
			Interval:          bc.Interval,
			PollInterval:      bc.PollInterval,
			DiscoveryInterval: bc.DiscoveryInterval,
			RequestsPerSecond: bc.RequestsPerSecond,
			Concurrency:       bc.Concurrency,
			SpotBaseURL:       bc.SpotBaseURL,
			FuturesBaseURL:    bc.FuturesBaseURL,
		}, registry, a.Logger))
	}

	for _, sc := range a.Config.Feeds.Streams {
		mt, err := market.ParseMarketType(sc.Market)
		if err != nil {
			return nil, err
		}
		var dec stream.Decoder
		switch sc.Venue {
		case "binance":
			dec = stream.BinanceKline{Market: mt, Interval: sc.Interval, BaseURL: sc.BaseURL}
		case "bybit":
			dec = stream.BybitKline{Market: mt, Interval: sc.Interval, BaseURL: sc.BaseURL}
		default:
			return nil, fmt.Errorf("unsupported stream venue %q", sc.Venue)
		}
		adapters = append(adapters, stream.New(stream.Options{
			Symbols:           sc.Symbols,
			ReconnectDelay:    sc.ReconnectDelay,
			MaxReconnectDelay: sc.MaxReconnectDelay,
			KeepAlive:         sc.KeepAlive,
		}, dec, registry, a.Logger))
	}
	return adapters, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	var audit storage.AlertStore
	var collaborators []io.Closer
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alert audit disabled")
	} else {
		if err := store.EnsureSchema(ctx); err != nil {
			closeStore()
			return err
		}
		unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Database.AdvisoryLockKey)
		if err != nil {
			closeStore()
			return err
		}
		if !acquired {
			closeStore()
			return errors.New("another radar instance holds the advisory lock")
		}
		audit = store
		collaborators = append(collaborators, closerFunc(func() error {
			unlock()
			closeStore()
			return nil
		}))
	}

	eng, _, err := a.newEngine(a.newRouter(), audit, collaborators, nil)
	if err != nil {
		for _, c := range collaborators {
			_ = c.Close()
		}
		return err
	}

	registry := feed.NewRegistry(eng)
	adapters, err := a.newAdapters(registry)
	if err != nil {
		_ = eng.Shutdown(context.Background())
		return err
	}
	if len(adapters) == 0 {
		a.Logger.Warn().Msg("no feeds configured; engine will idle")
	}

	a.Logger.Info().Int("feeds", len(adapters)).Msg("starting market radar")

	var wg sync.WaitGroup
	for _, ad := range adapters {
		wg.Add(1)
		go func(ad adapter) {
			defer wg.Done()
			if err := ad.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("feed stopped")
			}
		}(ad)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runHousekeeping(ctx, eng, audit)
	}()

	// Run refuses new samples first, so feeds still winding down see ErrClosed.
	err = eng.Run(ctx)
	wg.Wait()
	if err != nil {
		a.Logger.Error().Err(err).Msg("shutdown incomplete")
		return err
	}

	a.Logger.Info().Msg("market radar stopped")
	return nil
}

// runHousekeeping logs engine health and trims the audit log until ctx ends.
func (a *App) runHousekeeping(ctx context.Context, eng *engine.Engine, audit storage.AlertStore) {
	var wg sync.WaitGroup

	health := scheduler.New(scheduler.Options{Name: "health", Interval: time.Minute, AlignToStart: true}, a.Logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = health.Run(ctx, func(context.Context, time.Time) error {
			h := eng.Health()
			a.Logger.Info().
				Int("windows", h.Window.Windows).
				Int("pairs", h.Spread.Pairs).
				Int("queue_depth", h.QueueDepth).
				Uint64("backpressure", h.Backpressure).
				Uint64("findings", h.Findings).
				Uint64("alerts_sent", h.Dispatch.Sent).
				Uint64("alerts_suppressed", h.Dispatch.Suppressed).
				Msg("engine health")
			return nil
		})
	}()

	if audit != nil && a.Config.Alerting.Retention > 0 {
		retention := scheduler.New(scheduler.Options{Name: "audit_retention", Interval: time.Hour, AlignToStart: true}, a.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = retention.Run(ctx, func(ctx context.Context, tick time.Time) error {
				return a.pruneAudit(ctx, audit, tick)
			})
		}()
	}

	wg.Wait()
}

func (a *App) pruneAudit(ctx context.Context, audit storage.AlertStore, now time.Time) error {
	cutoff := now.Add(-a.Config.Alerting.Retention)
	n, err := audit.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune audit log: %w", err)
	}
	if n > 0 {
		a.Logger.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("audit log pruned")
	}
	return nil
}

// ExportOptions hold parameters for exporting audited alerts.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ReplayOptions configure an offline replay of recorded samples.
type ReplayOptions struct {
	Path   string
	DryRun bool
}

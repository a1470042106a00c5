package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"market-radar/internal/logging"
	"market-radar/internal/market"
	"market-radar/internal/spread"
)

const envPrefix = "RADAR"

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Detector DetectorConfig `mapstructure:"detector"`
	Spread   SpreadConfig   `mapstructure:"spread"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Feeds    FeedsConfig    `mapstructure:"feeds"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables
// the alert audit log.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// EngineConfig covers the window store and worker model.
type EngineConfig struct {
	Lookback           time.Duration `mapstructure:"lookback"`
	IdleTTL            time.Duration `mapstructure:"idle_ttl"`
	Shards             int           `mapstructure:"shards"`
	ShardQueueSize     int           `mapstructure:"shard_queue_size"`
	EvaluationMode     string        `mapstructure:"evaluation_mode"`
	EvaluationInterval time.Duration `mapstructure:"evaluation_interval"`
	ReapInterval       time.Duration `mapstructure:"reap_interval"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
}

// DetectorConfig holds the price and volume thresholds.
type DetectorConfig struct {
	MinPriceIncreasePercent float64 `mapstructure:"min_price_increase_percent"`
	VolumeSpikeThreshold    float64 `mapstructure:"volume_spike_threshold"`
	SkipStablecoinPairs     bool    `mapstructure:"skip_stablecoin_pairs"`
}

// SpreadRuleConfig is the threshold and sign filter of one pair kind.
type SpreadRuleConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Threshold float64 `mapstructure:"threshold"`
	Direction string  `mapstructure:"direction"`
}

// CrossVenueConfig scopes perpetual matching across venues.
type CrossVenueConfig struct {
	SpreadRuleConfig `mapstructure:",squash"`
	Venues           []string `mapstructure:"venues"`
	PrimaryVenue     string   `mapstructure:"primary_venue"`
	Blacklist        []string `mapstructure:"blacklist"`
	// MinVolume is the per-venue floor on a leg's summed window volume.
	MinVolume map[string]float64 `mapstructure:"min_volume"`
}

func (c CrossVenueConfig) validate(prefix string) error {
	if err := c.SpreadRuleConfig.validate(prefix); err != nil {
		return err
	}
	for venue, floor := range c.MinVolume {
		if floor < 0 {
			return fmt.Errorf("%s.min_volume.%s cannot be negative", prefix, venue)
		}
	}
	return nil
}

// SpreadConfig groups both matchers.
type SpreadConfig struct {
	SpotFuture SpreadRuleConfig `mapstructure:"spot_future"`
	CrossVenue CrossVenueConfig `mapstructure:"cross_venue"`
}

// AlertingConfig defines cooldowns, delivery and routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	BucketWidth float64        `mapstructure:"bucket_width"`
	Cooldowns   CooldownConfig `mapstructure:"cooldowns"`
	QueueSize   int            `mapstructure:"queue_size"`
	Workers     int            `mapstructure:"workers"`
	SendTimeout time.Duration  `mapstructure:"send_timeout"`
	// Retention bounds the audit log; zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
	Channels  ChannelsConfig `mapstructure:"channels"`
}

// CooldownConfig sets the suppression window per finding kind.
type CooldownConfig struct {
	PriceSurge      time.Duration `mapstructure:"price_surge"`
	VolumeSpike     time.Duration `mapstructure:"volume_spike"`
	SpotFutureBasis time.Duration `mapstructure:"spot_future_basis"`
	CrossVenueBasis time.Duration `mapstructure:"cross_venue_basis"`
}

// ChannelsConfig 为每个逻辑通道配置通知渠道；专用通道未配置时回落到 general。
type ChannelsConfig struct {
	General    ChannelConfig `mapstructure:"general"`
	SpotFuture ChannelConfig `mapstructure:"spot_future"`
	CrossVenue ChannelConfig `mapstructure:"cross_venue"`
}

// ChannelConfig lists the notifiers bound to one channel.
type ChannelConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Lark     LarkConfig     `mapstructure:"lark"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// LarkConfig 描述飞书机器人 webhook 参数。
type LarkConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Secret     string `mapstructure:"secret"`
}

// FeedsConfig selects the ingestion adapters.
type FeedsConfig struct {
	Binance BinanceFeedConfig `mapstructure:"binance"`
	Streams []StreamConfig    `mapstructure:"streams"`
}

// BinanceFeedConfig drives the REST poller.
type BinanceFeedConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Spot              bool          `mapstructure:"spot"`
	Futures           bool          `mapstructure:"futures"`
	Quotes            []string      `mapstructure:"quotes"`
	Symbols           []string      `mapstructure:"symbols"`
	Interval          string        `mapstructure:"interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Concurrency       int           `mapstructure:"concurrency"`
	SpotBaseURL       string        `mapstructure:"spot_base_url"`
	FuturesBaseURL    string        `mapstructure:"futures_base_url"`
}

// StreamConfig is one websocket kline subscription.
type StreamConfig struct {
	Venue             string        `mapstructure:"venue"`
	Market            string        `mapstructure:"market"`
	Symbols           []string      `mapstructure:"symbols"`
	Interval          string        `mapstructure:"interval"`
	BaseURL           string        `mapstructure:"base_url"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// secretKeys are bound explicitly so they can come from the environment
// without appearing in the config file.
var secretKeys = []string{
	"database.dsn",
	"alerting.channels.general.telegram.bot_token",
	"alerting.channels.general.telegram.chat_id",
	"alerting.channels.general.lark.webhook_url",
	"alerting.channels.general.lark.secret",
	"alerting.channels.spot_future.telegram.bot_token",
	"alerting.channels.spot_future.telegram.chat_id",
	"alerting.channels.spot_future.lark.webhook_url",
	"alerting.channels.spot_future.lark.secret",
	"alerting.channels.cross_venue.telegram.bot_token",
	"alerting.channels.cross_venue.telegram.chat_id",
	"alerting.channels.cross_venue.lark.webhook_url",
	"alerting.channels.cross_venue.lark.secret",
}

// Load builds configuration from a .env file, the config file, environment
// and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range secretKeys {
		_ = v.BindEnv(key)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "market-radar")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x72616461))

	v.SetDefault("engine.lookback", "5m")
	v.SetDefault("engine.idle_ttl", "15m")
	v.SetDefault("engine.shards", 4)
	v.SetDefault("engine.shard_queue_size", 1024)
	v.SetDefault("engine.evaluation_mode", "update")
	v.SetDefault("engine.evaluation_interval", "5s")
	v.SetDefault("engine.reap_interval", "1m")
	v.SetDefault("engine.shutdown_grace", "5s")

	v.SetDefault("detector.min_price_increase_percent", 2.0)
	v.SetDefault("detector.volume_spike_threshold", 5.0)
	v.SetDefault("detector.skip_stablecoin_pairs", true)

	v.SetDefault("spread.spot_future.enabled", true)
	v.SetDefault("spread.spot_future.threshold", 0.1)
	v.SetDefault("spread.spot_future.direction", "both")
	v.SetDefault("spread.cross_venue.enabled", false)
	v.SetDefault("spread.cross_venue.threshold", 0.5)
	v.SetDefault("spread.cross_venue.direction", "both")
	v.SetDefault("spread.cross_venue.venues", []string{"binance", "okx", "bybit", "gate"})
	v.SetDefault("spread.cross_venue.min_volume", map[string]float64{"binance": 20_000_000, "gate": 1_000_000})

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.bucket_width", 1.0)
	v.SetDefault("alerting.cooldowns.price_surge", "1m")
	v.SetDefault("alerting.cooldowns.volume_spike", "1m")
	v.SetDefault("alerting.cooldowns.spot_future_basis", "5m")
	v.SetDefault("alerting.cooldowns.cross_venue_basis", "5m")
	v.SetDefault("alerting.queue_size", 256)
	v.SetDefault("alerting.workers", 2)
	v.SetDefault("alerting.send_timeout", "10s")
	v.SetDefault("alerting.retention", "720h")
	for _, ch := range []string{"general", "spot_future", "cross_venue"} {
		v.SetDefault("alerting.channels."+ch+".telegram.enabled", false)
		v.SetDefault("alerting.channels."+ch+".telegram.api_base", "https://api.telegram.org")
		v.SetDefault("alerting.channels."+ch+".lark.enabled", false)
	}

	v.SetDefault("feeds.binance.enabled", false)
	v.SetDefault("feeds.binance.spot", true)
	v.SetDefault("feeds.binance.futures", true)
	v.SetDefault("feeds.binance.quotes", []string{"USDT"})
	v.SetDefault("feeds.binance.interval", "1m")
	v.SetDefault("feeds.binance.poll_interval", "30s")
	v.SetDefault("feeds.binance.discovery_interval", "1h")
	v.SetDefault("feeds.binance.requests_per_second", 10.0)
	v.SetDefault("feeds.binance.concurrency", 4)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Engine.Lookback <= 0 {
		return fmt.Errorf("engine.lookback must be greater than zero")
	}
	if c.Engine.IdleTTL < 0 {
		return fmt.Errorf("engine.idle_ttl cannot be negative")
	}
	switch c.Engine.EvaluationMode {
	case "", "update", "interval":
	default:
		return fmt.Errorf("engine.evaluation_mode must be update or interval, got %q", c.Engine.EvaluationMode)
	}
	if c.Engine.EvaluationMode == "interval" && c.Engine.EvaluationInterval <= 0 {
		return fmt.Errorf("engine.evaluation_interval must be greater than zero in interval mode")
	}

	if c.Detector.MinPriceIncreasePercent <= 0 {
		return fmt.Errorf("detector.min_price_increase_percent must be greater than zero")
	}
	if c.Detector.VolumeSpikeThreshold <= 0 {
		return fmt.Errorf("detector.volume_spike_threshold must be greater than zero")
	}

	if err := c.Spread.SpotFuture.validate("spread.spot_future"); err != nil {
		return err
	}
	if err := c.Spread.CrossVenue.validate("spread.cross_venue"); err != nil {
		return err
	}

	if c.Alerting.BucketWidth < 0 {
		return fmt.Errorf("alerting.bucket_width cannot be negative")
	}
	for name, d := range map[string]time.Duration{
		"price_surge":       c.Alerting.Cooldowns.PriceSurge,
		"volume_spike":      c.Alerting.Cooldowns.VolumeSpike,
		"spot_future_basis": c.Alerting.Cooldowns.SpotFutureBasis,
		"cross_venue_basis": c.Alerting.Cooldowns.CrossVenueBasis,
	} {
		if d < 0 {
			return fmt.Errorf("alerting.cooldowns.%s cannot be negative", name)
		}
	}
	for name, ch := range map[string]ChannelConfig{
		"general":     c.Alerting.Channels.General,
		"spot_future": c.Alerting.Channels.SpotFuture,
		"cross_venue": c.Alerting.Channels.CrossVenue,
	} {
		if err := ch.validate("alerting.channels." + name); err != nil {
			return err
		}
	}

	for i, s := range c.Feeds.Streams {
		if err := s.validate(fmt.Sprintf("feeds.streams[%d]", i)); err != nil {
			return err
		}
	}
	if c.Feeds.Binance.Enabled && !c.Feeds.Binance.Spot && !c.Feeds.Binance.Futures {
		return fmt.Errorf("feeds.binance needs spot or futures enabled")
	}

	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

func (r SpreadRuleConfig) validate(prefix string) error {
	if r.Threshold < 0 {
		return fmt.Errorf("%s.threshold cannot be negative", prefix)
	}
	if _, err := spread.ParseFilter(r.Direction); err != nil {
		return fmt.Errorf("%s.direction: %w", prefix, err)
	}
	return nil
}

func (c ChannelConfig) validate(prefix string) error {
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("%s.telegram.bot_token 必须配置", prefix)
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("%s.telegram.chat_id 必须配置", prefix)
		}
	}
	if c.Lark.Enabled && c.Lark.WebhookURL == "" {
		return fmt.Errorf("%s.lark.webhook_url 必须配置", prefix)
	}
	return nil
}

// Configured reports whether any notifier is enabled on the channel.
func (c ChannelConfig) Configured() bool {
	return c.Telegram.Enabled || c.Lark.Enabled
}

func (s StreamConfig) validate(prefix string) error {
	switch strings.ToLower(s.Venue) {
	case "binance", "bybit":
	default:
		return fmt.Errorf("%s.venue must be binance or bybit, got %q", prefix, s.Venue)
	}
	if _, err := market.ParseMarketType(s.Market); err != nil {
		return fmt.Errorf("%s.market: %w", prefix, err)
	}
	if len(s.Symbols) == 0 {
		return fmt.Errorf("%s.symbols must not be empty", prefix)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

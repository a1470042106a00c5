package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
engine:
  lookback: 10m
  evaluation_mode: interval
  evaluation_interval: 2s
detector:
  min_price_increase_percent: 3
spread:
  spot_future:
    threshold: 0.2
    direction: premium
  cross_venue:
    enabled: true
    venues: binance,okx
    primary_venue: binance
    blacklist: [LUNA, FTT]
    min_volume:
      okx: 500000
alerting:
  cooldowns:
    spot_future_basis: 10m
  channels:
    general:
      lark:
        enabled: true
        webhook_url: https://open.feishu.cn/hook/abc
feeds:
  streams:
    - venue: bybit
      market: perp
      symbols: [BTCUSDT, ETHUSDT]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Engine.Lookback != 10*time.Minute || cfg.Engine.EvaluationMode != "interval" {
		t.Fatalf("unexpected engine config %+v", cfg.Engine)
	}
	if cfg.Engine.IdleTTL != 15*time.Minute {
		t.Fatalf("idle_ttl 应使用默认值, got %s", cfg.Engine.IdleTTL)
	}
	if cfg.Detector.MinPriceIncreasePercent != 3 || cfg.Detector.VolumeSpikeThreshold != 5 {
		t.Fatalf("unexpected detector config %+v", cfg.Detector)
	}
	if cfg.Spread.SpotFuture.Direction != "premium" || !cfg.Spread.SpotFuture.Enabled {
		t.Fatalf("unexpected spot_future config %+v", cfg.Spread.SpotFuture)
	}
	cv := cfg.Spread.CrossVenue
	if !cv.Enabled || cv.Threshold != 0.5 || len(cv.Venues) != 2 || cv.PrimaryVenue != "binance" || len(cv.Blacklist) != 2 {
		t.Fatalf("unexpected cross_venue config %+v", cv)
	}
	if cv.MinVolume["okx"] != 500000 {
		t.Fatalf("min_volume 应来自配置文件, got %v", cv.MinVolume)
	}
	if cfg.Alerting.Cooldowns.SpotFutureBasis != 10*time.Minute || cfg.Alerting.Cooldowns.PriceSurge != time.Minute {
		t.Fatalf("unexpected cooldowns %+v", cfg.Alerting.Cooldowns)
	}
	if !cfg.Alerting.Channels.General.Configured() || cfg.Alerting.Channels.SpotFuture.Configured() {
		t.Fatal("仅 general 通道应被配置")
	}
	if len(cfg.Feeds.Streams) != 1 || len(cfg.Feeds.Streams[0].Symbols) != 2 {
		t.Fatalf("unexpected streams %+v", cfg.Feeds.Streams)
	}
}

func TestLoadSecretsFromEnv(t *testing.T) {
	t.Setenv("RADAR_DATABASE_DSN", "postgres://radar@localhost/radar")
	t.Setenv("RADAR_ALERTING_CHANNELS_SPOT_FUTURE_TELEGRAM_ENABLED", "true")
	t.Setenv("RADAR_ALERTING_CHANNELS_SPOT_FUTURE_TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("RADAR_ALERTING_CHANNELS_SPOT_FUTURE_TELEGRAM_CHAT_ID", "42")

	cfg, err := Load(writeConfig(t, "engine:\n  lookback: 5m\n"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Database.DSN != "postgres://radar@localhost/radar" {
		t.Fatalf("dsn 应来自环境变量, got %q", cfg.Database.DSN)
	}
	tg := cfg.Alerting.Channels.SpotFuture.Telegram
	if !tg.Enabled || tg.BotToken != "token" || tg.ChatID != "42" {
		t.Fatalf("unexpected telegram config %+v", tg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"mode":      "engine:\n  evaluation_mode: batch\n",
		"direction": "spread:\n  spot_future:\n    direction: sideways\n",
		"lookback":  "engine:\n  lookback: 0s\n",
		"telegram":  "alerting:\n  channels:\n    general:\n      telegram:\n        enabled: true\n",
		"stream":    "feeds:\n  streams:\n    - venue: kraken\n      market: spot\n      symbols: [XBTUSD]\n",
		"volume":    "spread:\n  cross_venue:\n    min_volume:\n      gate: -1\n",
		"market":    "feeds:\n  streams:\n    - venue: binance\n      market: option\n      symbols: [BTCUSDT]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("配置 %s 应校验失败", name)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 || cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("override 优先于默认值")
	}
}

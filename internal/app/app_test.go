package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-radar/internal/alerting"
	"market-radar/internal/config"
	"market-radar/internal/market"
	"market-radar/internal/spread"
	"market-radar/internal/storage"
)

func newTestApp(t *testing.T, body string) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	cfg.Database.DSN = ""
	return NewApp(cfg, zerolog.Nop())
}

func TestNewRouterFallsBackToLog(t *testing.T) {
	a := newTestApp(t, "alerting:\n  enabled: true\n")
	router := a.newRouter()
	if !router.Has(alerting.General) {
		t.Fatal("general 通道应回退到日志通知")
	}
	if router.Has(alerting.SpotFuture) || router.Has(alerting.CrossVenue) {
		t.Fatal("未配置的专用通道不应被绑定")
	}
}

func TestSpreadConfigFromYAML(t *testing.T) {
	a := newTestApp(t, "spread:\n  spot_future:\n    direction: discount\n  cross_venue:\n    enabled: true\n    primary_venue: okx\n")
	cfg, err := a.spreadConfig()
	if err != nil {
		t.Fatalf("spreadConfig 失败: %v", err)
	}
	if cfg.SpotFuture.Direction != spread.Discount || !cfg.CrossVenue.Enabled || cfg.CrossVenue.PrimaryVenue != "okx" {
		t.Fatalf("unexpected spread config %+v", cfg)
	}
}

func TestReadSamplesCSV(t *testing.T) {
	input := "timestamp,venue,symbol,market_type,price,volume\n" +
		"2024-05-01T00:01:00Z,Binance,btcusdt,spot,101.5,10\n" +
		"1714521600000,okx,BTCUSDT,perp,100,3\n"

	samples, err := readSamplesCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("期望 2 条样本, 实际 %d", len(samples))
	}
	first := samples[0]
	if first.Key != market.NewKey("okx", "BTCUSDT", market.Perp) || first.Price != 100 {
		t.Fatalf("样本应按时间排序, got %+v", first)
	}
	if samples[1].Key.Venue != "binance" || samples[1].Key.Symbol != "BTCUSDT" {
		t.Fatalf("venue/symbol 未规范化: %+v", samples[1].Key)
	}
}

func TestReadSamplesCSVErrors(t *testing.T) {
	cases := map[string]string{
		"missing column": "timestamp,venue,symbol,price,volume\n",
		"bad price":      "timestamp,venue,symbol,market_type,price,volume\n2024-05-01T00:00:00Z,binance,BTCUSDT,spot,abc,1\n",
		"bad market":     "timestamp,venue,symbol,market_type,price,volume\n2024-05-01T00:00:00Z,binance,BTCUSDT,option,1,1\n",
		"bad timestamp":  "timestamp,venue,symbol,market_type,price,volume\nyesterday,binance,BTCUSDT,spot,1,1\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := readSamplesCSV(strings.NewReader(input)); err == nil {
				t.Fatalf("%s 应返回错误", name)
			}
		})
	}
}

func TestReplayDryRunDetectsSurge(t *testing.T) {
	a := newTestApp(t, "engine:\n  shards: 1\n")
	path := filepath.Join(t.TempDir(), "samples.csv")
	body := "timestamp,venue,symbol,market_type,price,volume\n" +
		"2024-05-01T00:00:00Z,binance,BTCUSDT,spot,100,10\n" +
		"2024-05-01T00:01:00Z,binance,BTCUSDT,spot,105,10\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := a.Replay(ctx, ReplayOptions{Path: path, DryRun: true})
	if err != nil {
		t.Fatalf("回放失败: %v", err)
	}
	if h.Processed != 2 {
		t.Fatalf("期望处理 2 条样本, 实际 %d", h.Processed)
	}
	if h.Findings == 0 || h.Dispatch.Sent == 0 {
		t.Fatalf("5%% 涨幅应触发告警, health=%+v", h)
	}
}

func TestReplayCooldownFollowsSampleTime(t *testing.T) {
	a := newTestApp(t, "engine:\n  shards: 4\nalerting:\n  cooldowns:\n    price_surge: 1h\n")
	path := filepath.Join(t.TempDir(), "samples.csv")
	body := "timestamp,venue,symbol,market_type,price,volume\n" +
		"2024-05-01T00:00:00Z,binance,BTCUSDT,spot,100,10\n" +
		"2024-05-01T00:01:00Z,binance,BTCUSDT,spot,103,10\n" +
		"2024-05-01T02:00:00Z,binance,BTCUSDT,spot,100,10\n" +
		"2024-05-01T02:06:00Z,binance,BTCUSDT,spot,100,10\n" +
		"2024-05-01T02:07:00Z,binance,BTCUSDT,spot,103,10\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := a.Replay(ctx, ReplayOptions{Path: path, DryRun: true})
	if err != nil {
		t.Fatalf("回放失败: %v", err)
	}
	if h.Processed != 5 {
		t.Fatalf("期望处理 5 条样本, 实际 %d", h.Processed)
	}
	if h.Dispatch.Sent != 2 || h.Dispatch.Suppressed != 0 {
		t.Fatalf("两次涨幅相隔两小时, 冷却应按样本时间计算, dispatch=%+v", h.Dispatch)
	}
}

func TestReplayEmptyFile(t *testing.T) {
	a := newTestApp(t, "engine:\n  shards: 1\n")
	path := filepath.Join(t.TempDir(), "empty.csv")
	if err := os.WriteFile(path, []byte("timestamp,venue,symbol,market_type,price,volume\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Replay(context.Background(), ReplayOptions{Path: path, DryRun: true}); err == nil {
		t.Fatal("空文件应返回错误")
	}
}

func TestSimulateAlertLogsWhenDisabled(t *testing.T) {
	a := newTestApp(t, "alerting:\n  enabled: false\n")
	raw := []byte(`{"symbol":"ETHUSDT","exchange":"binance","price_change_percent":3.2}`)
	stats, err := a.SimulateAlert(context.Background(), raw)
	if err != nil {
		t.Fatalf("模拟告警失败: %v", err)
	}
	if stats.Sent != 1 {
		t.Fatalf("期望发送 1 条, 实际 %+v", stats)
	}

	if _, err := a.SimulateAlert(context.Background(), []byte(`{"nope":true}`)); err == nil {
		t.Fatal("无法识别的 JSON 应返回错误")
	}
}

func TestDownsampleAlerts(t *testing.T) {
	alerts := make([]storage.Alert, 10)
	for i := range alerts {
		alerts[i] = storage.Alert{ID: int64(i)}
	}
	got := downsampleAlerts(alerts, 4)
	if len(got) != 4 || got[0].ID != 0 || got[3].ID != 9 {
		t.Fatalf("unexpected downsample %+v", got)
	}
	if len(downsampleAlerts(alerts, 0)) != 10 {
		t.Fatal("max<=0 应返回全部")
	}
}

func TestWriteAlertTable(t *testing.T) {
	errMsg := "timeout\nretry"
	alerts := []storage.Alert{{
		Kind:       "SPOT_FUTURE_BASIS",
		Subject:    "binance:BTCUSDT:spot|binance:BTCUSDT:perp",
		Channel:    "spot_future",
		Magnitude:  decimal.RequireFromString("0.1234"),
		Direction:  "premium",
		Status:     storage.StatusFailed,
		Error:      &errMsg,
		ObservedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	if err := writeAlertTable(&buf, alerts, 42); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "0.123") || !strings.Contains(out, "timeout retry") || !strings.Contains(out, "2024-05-01T00:00:00Z") || !strings.Contains(out, "showing 1 of 42") {
		t.Fatalf("unexpected table output:\n%s", out)
	}
}

func TestWriteAlertsCSVAndPNG(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	alerts := []storage.Alert{
		{Kind: "PRICE_SURGE", Magnitude: decimal.NewFromFloat(2.5), ObservedAt: base, Status: storage.StatusSent},
		{Kind: "PRICE_SURGE", Magnitude: decimal.NewFromFloat(3.1), ObservedAt: base.Add(time.Minute), Status: storage.StatusSent},
		{Kind: "VOLUME_SPIKE", Magnitude: decimal.NewFromFloat(6), ObservedAt: base.Add(2 * time.Minute), Status: storage.StatusSent},
	}

	csvPath := filepath.Join(dir, "out", "alerts.csv")
	if err := writeAlertsCSV(csvPath, alerts); err != nil {
		t.Fatalf("写 CSV 失败: %v", err)
	}
	raw, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(raw), "\n"); lines != 4 {
		t.Fatalf("期望 4 行 CSV, 实际 %d", lines)
	}

	series := alertSeries(append(alerts, storage.Alert{Kind: "LEGACY", ObservedAt: base}))
	names := make([]string, len(series))
	for i, s := range series {
		names[i] = s.GetName()
	}
	if strings.Join(names, ",") != "PRICE_SURGE,VOLUME_SPIKE,LEGACY" {
		t.Fatalf("序列顺序应按告警类型排列, got %v", names)
	}

	pngPath := filepath.Join(dir, "alerts.png")
	if err := writeAlertsPNG(pngPath, alerts); err != nil {
		t.Fatalf("写 PNG 失败: %v", err)
	}
	if info, err := os.Stat(pngPath); err != nil || info.Size() == 0 {
		t.Fatalf("PNG 未生成: %v", err)
	}
}

package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"market-radar/internal/alerting"
	"market-radar/internal/engine"
	"market-radar/internal/market"
	"market-radar/internal/storage"
)

// replayColumns is the expected CSV header.
var replayColumns = []string{"timestamp", "venue", "symbol", "market_type", "price", "volume"}

// Replay 将 CSV 中记录的样本按时间顺序送入引擎，用于离线验证阈值配置。
func (a *App) Replay(ctx context.Context, opts ReplayOptions) (engine.Health, error) {
	file, err := os.Open(opts.Path)
	if err != nil {
		return engine.Health{}, err
	}
	defer file.Close()

	samples, err := readSamplesCSV(file)
	if err != nil {
		return engine.Health{}, err
	}
	if len(samples) == 0 {
		return engine.Health{}, errors.New("回放文件中没有样本")
	}

	var notifier alerting.Notifier
	var audit storage.AlertStore
	var collaborators []io.Closer
	if opts.DryRun {
		a.Logger.Warn().Msg("回放 dry-run：告警仅写入日志")
		notifier = alerting.NewLogNotifier(a.Logger)
	} else {
		notifier = a.newRouter()
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return engine.Health{}, err
		}
		if store != nil {
			if err := store.EnsureSchema(ctx); err != nil {
				closeStore()
				return engine.Health{}, err
			}
			audit = store
			collaborators = append(collaborators, closerFunc(func() error { closeStore(); return nil }))
		}
	}

	clock := &engine.SampleClock{}
	eng, deps, err := a.newEngine(notifier, audit, collaborators, clock)
	if err != nil {
		for _, c := range collaborators {
			_ = c.Close()
		}
		return engine.Health{}, err
	}

	keys := lo.Uniq(lo.Map(samples, func(s market.Sample, _ int) market.InstrumentKey { return s.Key }))
	pairs := deps.Matcher.Recompute(keys)
	a.Logger.Info().Int("samples", len(samples)).Int("instruments", len(keys)).Int("pairs", len(pairs)).Msg("回放开始")

	eng.Start()
	feedErr := feedAll(ctx, eng, samples)
	if feedErr == nil {
		feedErr = waitProcessed(ctx, eng)
	}

	grace, cancel := context.WithTimeout(context.Background(), a.Config.Engine.ShutdownGrace)
	defer cancel()
	shutdownErr := eng.Shutdown(grace)

	h := eng.Health()
	a.Logger.Info().
		Uint64("processed", h.Processed).
		Uint64("findings", h.Findings).
		Uint64("alerts_sent", h.Dispatch.Sent).
		Uint64("alerts_suppressed", h.Dispatch.Suppressed).
		Msg("回放完成")
	return h, errors.Join(feedErr, shutdownErr)
}

// feedAll submits every sample, retrying on backpressure so nothing is lost offline.
func feedAll(ctx context.Context, eng *engine.Engine, samples []market.Sample) error {
	for _, s := range samples {
		for {
			err := eng.OnSample(s)
			if err == nil {
				break
			}
			if !errors.Is(err, engine.ErrBackpressure) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}
	return nil
}

func waitProcessed(ctx context.Context, eng *engine.Engine) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		h := eng.Health()
		if h.Processed >= h.Accepted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func readSamplesCSV(r io.Reader) ([]market.Sample, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range replayColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var samples []market.Sample
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		s, err := parseSampleRecord(record, index)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		samples = append(samples, s)
	}

	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
	return samples, nil
}

func parseSampleRecord(record []string, index map[string]int) (market.Sample, error) {
	field := func(name string) string { return strings.TrimSpace(record[index[name]]) }

	ts, err := parseReplayTime(field("timestamp"))
	if err != nil {
		return market.Sample{}, err
	}
	mt, err := market.ParseMarketType(field("market_type"))
	if err != nil {
		return market.Sample{}, err
	}
	price, err := decimal.NewFromString(field("price"))
	if err != nil {
		return market.Sample{}, fmt.Errorf("price: %w", err)
	}
	volume, err := decimal.NewFromString(field("volume"))
	if err != nil {
		return market.Sample{}, fmt.Errorf("volume: %w", err)
	}
	return market.Sample{
		Key:       market.NewKey(field("venue"), field("symbol"), mt),
		Timestamp: ts,
		Price:     price.InexactFloat64(),
		Volume:    volume.InexactFloat64(),
	}, nil
}

func parseReplayTime(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

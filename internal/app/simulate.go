package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-radar/internal/dispatch"
	"market-radar/internal/finding"
	"market-radar/internal/storage"
)

// SimulateAlert 解析一条告警 JSON（兼容旧版格式），并通过已配置的通道实际投递一次。
func (a *App) SimulateAlert(ctx context.Context, raw []byte) (dispatch.Stats, error) {
	f, err := finding.Decode(raw, time.Now().UTC())
	if err != nil {
		return dispatch.Stats{}, fmt.Errorf("decode alert: %w", err)
	}

	var audit storage.AlertStore
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return dispatch.Stats{}, err
	}
	if store != nil {
		defer closeStore()
		if err := store.EnsureSchema(ctx); err != nil {
			return dispatch.Stats{}, err
		}
		audit = store
	}

	d := dispatch.New(dispatch.Options{
		QueueSize:   1,
		Workers:     1,
		SendTimeout: a.Config.Alerting.SendTimeout,
		BucketWidth: a.Config.Alerting.BucketWidth,
		Cooldowns:   a.cooldowns(),
	}, a.newRouter(), audit, a.Logger)

	a.Logger.Info().
		Str("kind", string(f.Kind())).
		Str("subject", f.Subject()).
		Str("channel", string(d.Route(f.Kind()))).
		Msg("simulating alert")

	queued := d.Submit(f)

	closeCtx, cancel := context.WithTimeout(ctx, a.Config.Alerting.SendTimeout+time.Second)
	defer cancel()
	closeErr := d.Close(closeCtx)

	stats := d.Stats()
	switch {
	case closeErr != nil:
		return stats, closeErr
	case !queued:
		return stats, errors.New("alert was not queued")
	case stats.Failed > 0 || stats.Panics > 0:
		return stats, dispatch.ErrDispatch
	}
	return stats, nil
}

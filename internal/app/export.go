package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"market-radar/internal/finding"
	"market-radar/internal/storage"
)

// defaultExportWindow applies when --from is omitted.
const defaultExportWindow = 24 * time.Hour

// Export renders audited alerts as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	alerts, err := store.ListAlertsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}

	downsampled := downsampleAlerts(alerts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(alerts)).Int("exported", len(downsampled)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAlertsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleAlerts(alerts []storage.Alert, max int) []storage.Alert {
	if max <= 0 || len(alerts) <= max {
		return alerts
	}
	if max == 1 {
		return alerts[len(alerts)-1:]
	}

	result := make([]storage.Alert, 0, max)
	step := float64(len(alerts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(alerts) {
			idx = len(alerts) - 1
		}
		result = append(result, alerts[idx])
	}
	return result
}

func writeAlertsCSV(path string, alerts []storage.Alert) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "alert_id", "kind", "subject", "channel", "magnitude", "direction", "is_future_contract", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, alert := range alerts {
		errMsg := ""
		if alert.Error != nil {
			errMsg = *alert.Error
		}
		future := "false"
		if alert.IsFutureContract {
			future = "true"
		}
		record := []string{
			alert.ObservedAt.UTC().Format(time.RFC3339),
			alert.AlertID,
			alert.Kind,
			alert.Subject,
			alert.Channel,
			alert.Magnitude.String(),
			alert.Direction,
			future,
			alert.Status,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// alertSeries plots one magnitude series per kind, known kinds in routing
// order first and any other kind after them by name.
func alertSeries(alerts []storage.Alert) []chart.Series {
	byKind := lo.GroupBy(alerts, func(a storage.Alert) string { return a.Kind })
	known := lo.Map(finding.Kinds, func(k finding.Kind, _ int) string { return string(k) })
	kinds := lo.Filter(known, func(k string, _ int) bool {
		_, ok := byKind[k]
		return ok
	})
	unknown := lo.Without(lo.Keys(byKind), known...)
	sort.Strings(unknown)
	kinds = append(kinds, unknown...)

	series := make([]chart.Series, 0, len(kinds))
	for _, kind := range kinds {
		group := byKind[kind]
		x := make([]time.Time, len(group))
		y := make([]float64, len(group))
		for i, alert := range group {
			x[i] = alert.ObservedAt
			y[i] = alert.Magnitude.InexactFloat64()
		}
		// go-chart needs at least two points to draw a line.
		if len(group) == 1 {
			x = append(x, x[0].Add(time.Second))
			y = append(y, y[0])
		}
		series = append(series, chart.TimeSeries{Name: kind, XValues: x, YValues: y})
	}
	return series
}

func writeAlertsPNG(path string, alerts []storage.Alert) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	magnitudeFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Magnitude (% / ratio)",
			ValueFormatter: magnitudeFormatter,
		},
		Series: alertSeries(alerts),
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

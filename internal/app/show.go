package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"market-radar/internal/storage"
)

// Show prints the most recent audited alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	defer closeStore()

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	total, err := store.CountAlerts(ctx)
	if err != nil {
		return err
	}
	return writeAlertTable(os.Stdout, alerts, total)
}

func writeAlertTable(out io.Writer, alerts []storage.Alert, total int64) error {
	if len(alerts) == 0 {
		_, err := fmt.Fprintln(out, "no alerts found")
		return err
	}
	fmt.Fprintf(out, "showing %d of %d audited alerts\n", len(alerts), total)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tSubject\tChannel\tMagnitude\tDirection\tFuture\tStatus\tError")

	for _, alert := range alerts {
		errMsg := ""
		if alert.Error != nil {
			errMsg = sanitizeInline(*alert.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			alert.ObservedAt.UTC().Format(time.RFC3339),
			alert.Kind,
			alert.Subject,
			alert.Channel,
			formatDecimal(alert.Magnitude, 3),
			alert.Direction,
			alert.IsFutureContract,
			alert.Status,
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

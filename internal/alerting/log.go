package alerting

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier 仅将告警写入日志，用于未配置任何渠道或 dry-run 场景。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "log_notifier").Logger()}
}

// Name labels the transport in delivery errors.
func (n *LogNotifier) Name() string { return "log" }

// Send logs the payload at warn level.
func (n *LogNotifier) Send(_ context.Context, channel Channel, p Payload) error {
	n.logger.Warn().
		Str("channel", string(channel)).
		Str("alert_id", p.ID).
		Str("kind", string(p.Kind)).
		Str("subject", p.Subject).
		Str("magnitude", p.Magnitude.String()).
		Str("direction", p.Direction).
		Bool("is_future_contract", p.IsFutureContract).
		Time("observed_at", p.Timestamp).
		Msg(p.Headline())
	return nil
}

var _ Notifier = (*LogNotifier)(nil)

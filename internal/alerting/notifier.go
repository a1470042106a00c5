package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-radar/internal/finding"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Send(ctx context.Context, channel Channel, payload Payload) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Name labels the transport in delivery errors.
func (n *TelegramNotifier) Name() string { return "telegram" }

// Send 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Send(ctx context.Context, channel Channel, payload Payload) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(channel, payload),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("alert_id", payload.ID).
		Str("kind", string(payload.Kind)).
		Str("channel", string(channel)).
		Msg("告警已发送 (Telegram)")
	return nil
}

// Close drops idle keep-alive connections.
func (n *TelegramNotifier) Close() error {
	n.client.CloseIdleConnections()
	return nil
}

func renderMessage(channel Channel, p Payload) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Market Radar] %s\n", p.Kind))
	builder.WriteString(p.Headline())
	builder.WriteString("\n")

	switch p.Kind {
	case finding.PriceSurge:
		builder.WriteString(fmt.Sprintf("Price: %s -> %s\n", p.ReferenceValue.String(), p.CurrentValue.String()))
	case finding.VolumeSpike:
		builder.WriteString(fmt.Sprintf("Volume: avg %s -> %s\n", p.ReferenceValue.StringFixed(2), p.CurrentValue.StringFixed(2)))
	case finding.SpotFutureBasis, finding.CrossVenueBasis:
		builder.WriteString(fmt.Sprintf("%s %s: %s\n", p.Venue, p.Symbol, p.ReferenceValue.String()))
		quoteVenue := p.QuoteVenue
		if quoteVenue == "" {
			quoteVenue = p.Venue
		}
		builder.WriteString(fmt.Sprintf("%s %s: %s\n", quoteVenue, p.QuoteSymbol, p.CurrentValue.String()))
	}

	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", p.Timestamp.UTC().Format(time.RFC3339)))
	if channel != "" && channel != General {
		builder.WriteString(fmt.Sprintf("Channel: %s\n", channel))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)

package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-radar/internal/finding"
)

// LarkNotifier 通过飞书自定义机器人 webhook 推送交互卡片。
type LarkNotifier struct {
	webhookURL string
	secret     string
	client     *http.Client
	now        func() time.Time
	logger     zerolog.Logger
}

// NewLarkNotifier 构造飞书告警器。secret 为空时不签名。
func NewLarkNotifier(webhookURL, secret string, timeout time.Duration, logger zerolog.Logger) *LarkNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LarkNotifier{
		webhookURL: webhookURL,
		secret:     secret,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
		logger:     logger.With().Str("component", "alert_lark").Logger(),
	}
}

type larkMessage struct {
	Timestamp string   `json:"timestamp,omitempty"`
	Sign      string   `json:"sign,omitempty"`
	MsgType   string   `json:"msg_type"`
	Card      larkCard `json:"card"`
}

type larkCard struct {
	Config   map[string]bool `json:"config"`
	Header   larkHeader      `json:"header"`
	Elements []larkElement   `json:"elements"`
}

type larkHeader struct {
	Title    larkText `json:"title"`
	Template string   `json:"template"`
}

type larkText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type larkElement struct {
	Tag  string    `json:"tag"`
	Text *larkText `json:"text,omitempty"`
}

// Name labels the transport in delivery errors.
func (n *LarkNotifier) Name() string { return "lark" }

// Send 推送一张卡片；飞书返回 code != 0 视为失败。
func (n *LarkNotifier) Send(ctx context.Context, channel Channel, payload Payload) error {
	msg := larkMessage{MsgType: "interactive", Card: buildCard(payload)}
	if n.secret != "" {
		ts := n.now().Unix()
		msg.Timestamp = strconv.FormatInt(ts, 10)
		msg.Sign = larkSign(ts, n.secret)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal lark payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create lark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send lark request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("lark 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.Code != 0 {
		return fmt.Errorf("lark 返回 code=%d msg=%s", result.Code, result.Msg)
	}

	n.logger.Info().Str("alert_id", payload.ID).
		Str("kind", string(payload.Kind)).
		Str("channel", string(channel)).
		Msg("告警已发送 (Lark)")
	return nil
}

// Close drops idle keep-alive connections.
func (n *LarkNotifier) Close() error {
	n.client.CloseIdleConnections()
	return nil
}

// larkSign follows the custom bot scheme: HMAC-SHA256 keyed by
// "timestamp\nsecret" over an empty message, base64 encoded.
func larkSign(ts int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(strconv.FormatInt(ts, 10)+"\n"+secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func buildCard(p Payload) larkCard {
	title, template := cardTitle(p)

	var content strings.Builder
	content.WriteString(fmt.Sprintf("**%s**\n", p.Headline()))
	switch p.Kind {
	case finding.PriceSurge:
		content.WriteString(fmt.Sprintf("📈 价格变动: **+%s%%**\n", p.Magnitude.StringFixed(2)))
		content.WriteString(fmt.Sprintf("💰 当前价格: %s (参考 %s)\n", p.CurrentValue.String(), p.ReferenceValue.String()))
	case finding.VolumeSpike:
		content.WriteString(fmt.Sprintf("📊 成交量倍数: **%sx**\n", p.Magnitude.StringFixed(2)))
	case finding.SpotFutureBasis:
		content.WriteString(fmt.Sprintf("现货 %s: %s\n", p.Symbol, p.ReferenceValue.String()))
		content.WriteString(fmt.Sprintf("合约 %s: %s\n", p.QuoteSymbol, p.CurrentValue.String()))
		content.WriteString(fmt.Sprintf("基差: **%s%%** (%s)\n", p.Magnitude.StringFixed(4), directionLabel(p.Direction)))
	case finding.CrossVenueBasis:
		content.WriteString(fmt.Sprintf("%s %s: %s\n", p.Venue, p.Symbol, p.ReferenceValue.String()))
		content.WriteString(fmt.Sprintf("%s %s: %s\n", p.QuoteVenue, p.QuoteSymbol, p.CurrentValue.String()))
		content.WriteString(fmt.Sprintf("价差: **%s%%** (%s)\n", p.Magnitude.StringFixed(4), directionLabel(p.Direction)))
	}
	content.WriteString(fmt.Sprintf("⏰ 触发时间: %s", p.Timestamp.UTC().Format("2006-01-02 15:04:05")))

	return larkCard{
		Config: map[string]bool{"wide_screen_mode": true},
		Header: larkHeader{Title: larkText{Tag: "plain_text", Content: title}, Template: template},
		Elements: []larkElement{
			{Tag: "div", Text: &larkText{Tag: "lark_md", Content: content.String()}},
		},
	}
}

func cardTitle(p Payload) (string, string) {
	switch p.Kind {
	case finding.PriceSurge:
		return "异常上涨", "red"
	case finding.VolumeSpike:
		return "成交量异动", "orange"
	case finding.SpotFutureBasis:
		return "期现基差异常", "blue"
	case finding.CrossVenueBasis:
		return "跨所永续价差", "purple"
	default:
		return string(p.Kind), "grey"
	}
}

func directionLabel(direction string) string {
	switch finding.Direction(direction) {
	case finding.Premium:
		return "升水"
	case finding.Discount:
		return "贴水"
	default:
		return direction
	}
}

var _ Notifier = (*LarkNotifier)(nil)

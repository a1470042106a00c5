package alerting

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"market-radar/internal/finding"
)

// Channel 是告警路由的逻辑通道。
type Channel string

const (
	General    Channel = "general"
	SpotFuture Channel = "spot_future"
	CrossVenue Channel = "cross_venue"
)

// Payload 是发送给通知渠道的告警内容，所有字段在构造时填充。
type Payload struct {
	ID      string
	Kind    finding.Kind
	Subject string

	// Venue, Symbol and MarketType describe the instrument of an anomaly, or
	// the base leg of a spread.
	Venue      string
	Symbol     string
	MarketType string
	// QuoteVenue and QuoteSymbol are set for spreads only.
	QuoteVenue  string
	QuoteSymbol string

	Magnitude        decimal.Decimal
	ReferenceValue   decimal.Decimal
	CurrentValue     decimal.Decimal
	Direction        string
	Timestamp        time.Time
	IsFutureContract bool
}

// NewPayload flattens a finding for delivery.
func NewPayload(id string, f finding.Finding) Payload {
	p := Payload{
		ID:               id,
		Kind:             f.Kind(),
		Subject:          f.Subject(),
		Magnitude:        decimal.NewFromFloat(f.Score()).Round(4),
		Timestamp:        f.Time().UTC(),
		IsFutureContract: finding.IsFutureContract(f),
	}

	switch v := f.(type) {
	case finding.AnomalyFinding:
		p.Subject = v.Instrument.String()
		p.Venue = v.Instrument.Venue
		p.Symbol = v.Instrument.Symbol
		p.MarketType = string(v.Instrument.MarketType)
		p.ReferenceValue = decimal.NewFromFloat(v.ReferenceValue)
		p.CurrentValue = decimal.NewFromFloat(v.CurrentValue)
		p.Direction = "up"
	case finding.SpreadFinding:
		p.Subject = v.Pair.Asset.String()
		p.Venue = v.Pair.Base.Venue
		p.Symbol = v.Pair.Base.Symbol
		p.MarketType = string(v.Pair.Base.MarketType)
		p.QuoteVenue = v.Pair.Quote.Venue
		p.QuoteSymbol = v.Pair.Quote.Symbol
		p.ReferenceValue = decimal.NewFromFloat(v.BasePrice)
		p.CurrentValue = decimal.NewFromFloat(v.QuotePrice)
		p.Direction = string(v.Direction)
	}
	return p
}

// IsSpread reports whether the payload describes a basis alert.
func (p Payload) IsSpread() bool {
	return p.Kind == finding.SpotFutureBasis || p.Kind == finding.CrossVenueBasis
}

func (p Payload) marketLabel() string {
	if p.IsFutureContract {
		return "合约"
	}
	return "现货"
}

// Headline is a one-line summary shared by every transport.
func (p Payload) Headline() string {
	switch p.Kind {
	case finding.PriceSurge:
		return fmt.Sprintf("%s %s (%s) +%s%%", p.Venue, p.Symbol, p.marketLabel(), p.Magnitude.StringFixed(2))
	case finding.VolumeSpike:
		return fmt.Sprintf("%s %s (%s) volume x%s", p.Venue, p.Symbol, p.marketLabel(), p.Magnitude.StringFixed(2))
	case finding.SpotFutureBasis:
		return fmt.Sprintf("%s %s spot/future basis %s%% (%s)", p.Venue, p.Subject, p.Magnitude.StringFixed(4), p.Direction)
	case finding.CrossVenueBasis:
		return fmt.Sprintf("%s %s/%s perp basis %s%% (%s)", p.Subject, p.Venue, p.QuoteVenue, p.Magnitude.StringFixed(4), p.Direction)
	default:
		return fmt.Sprintf("%s %s", p.Kind, p.Subject)
	}
}

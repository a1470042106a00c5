package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Delivery statuses recorded in the audit log.
const (
	StatusSent    = "sent"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Alert is one delivery attempt persisted for auditing and the show/export commands.
type Alert struct {
	ID               int64
	AlertID          string
	Fingerprint      string
	Kind             string
	Subject          string
	Channel          string
	Magnitude        decimal.Decimal
	Direction        string
	IsFutureContract bool
	Status           string
	Error            *string
	Payload          json.RawMessage
	ObservedAt       time.Time
	CreatedAt        time.Time
}

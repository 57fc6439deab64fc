package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleKind distinguishes price alerts from automated trade rules.
type RuleKind string

const (
	RuleKindAlert RuleKind = "alert"
	RuleKindTrade RuleKind = "trade"
)

// RuleDirection is the side of the threshold that triggers the rule.
type RuleDirection string

const (
	DirectionAbove RuleDirection = "above"
	DirectionBelow RuleDirection = "below"
)

// TradeSide is the order side submitted when a trade rule fires.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// QuantityKind tells the execution venue how to read a trade rule's quantity.
type QuantityKind string

const (
	QuantityUnits         QuantityKind = "units"
	QuantityQuoteNotional QuantityKind = "quote_notional"
)

// Rule is a one-shot price rule owned by a user. Alerts notify and
// deactivate; trade rules also submit an order before deletion.
type Rule struct {
	ID           int64           `json:"id" db:"id"`
	UserID       int             `json:"user_id" db:"user_id"`
	InstrumentID int             `json:"instrument_id" db:"instrument_id"`
	Kind         RuleKind        `json:"kind" db:"kind"`
	Direction    RuleDirection   `json:"direction" db:"direction"`
	Threshold    decimal.Decimal `json:"threshold" db:"threshold"`
	Side         TradeSide       `json:"side,omitempty" db:"side"`
	Quantity     decimal.Decimal `json:"quantity,omitempty" db:"quantity"`
	QuantityKind QuantityKind    `json:"quantity_kind,omitempty" db:"quantity_kind"`
	Active       bool            `json:"active" db:"active"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Crossed reports whether a candle satisfies the rule's condition. Alerts
// compare the candle's extreme against the threshold; trade rules compare the
// close. Inequalities are strict: touching the threshold does not trigger.
func (r *Rule) Crossed(c *Candle) bool {
	var price decimal.Decimal
	switch r.Kind {
	case RuleKindTrade:
		price = c.Close
	default:
		if r.Direction == DirectionAbove {
			price = c.High
		} else {
			price = c.Low
		}
	}
	if r.Direction == DirectionAbove {
		return price.GreaterThan(r.Threshold)
	}
	return price.LessThan(r.Threshold)
}

// MayCross reports whether the candle's high/low range makes a trigger
// possible. High and low bound every finer price within the bucket, so a
// false result rules the whole bucket out for either rule kind.
func (r *Rule) MayCross(c *Candle) bool {
	if r.Direction == DirectionAbove {
		return c.High.GreaterThan(r.Threshold)
	}
	return c.Low.LessThan(r.Threshold)
}

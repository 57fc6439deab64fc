package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Notification is the payload published when a rule fires.
type Notification struct {
	RuleID       int64           `json:"rule_id"`
	UserID       int             `json:"user_id"`
	InstrumentID int             `json:"instrument_id"`
	Symbol       string          `json:"symbol"`
	Kind         RuleKind        `json:"kind"`
	Direction    RuleDirection   `json:"direction"`
	Threshold    decimal.Decimal `json:"threshold"`
	TriggerTime  time.Time       `json:"trigger_time"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	TradeError   string          `json:"trade_error,omitempty"`
	EmittedAt    time.Time       `json:"emitted_at"`
}

// OrderRequest is submitted to the execution venue when a trade rule fires.
type OrderRequest struct {
	RuleID       int64           `json:"rule_id"`
	UserID       int             `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Side         TradeSide       `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	QuantityKind QuantityKind    `json:"quantity_kind"`
}

// OrderResult echoes the venue's acknowledgement of an order.
type OrderResult struct {
	OrderID string          `json:"order_id"`
	Status  string          `json:"status"`
	Filled  decimal.Decimal `json:"filled"`
}

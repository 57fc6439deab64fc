package service

import (
	"context"
	"time"

	"github.com/yourorg/marketsync/internal/client"
	"github.com/yourorg/marketsync/internal/model"
)

// CandleStore is the persistence surface the services depend on. Both the
// Postgres and the in-memory repositories satisfy it.
type CandleStore interface {
	GetOrCreateInstrument(ctx context.Context, venue, symbol, assetClass string) (*model.Instrument, error)
	GetInstrument(ctx context.Context, id int) (*model.Instrument, error)
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
	UpsertBatch(ctx context.Context, instrumentID int, candles []model.Candle) (int, error)
	GetCandles(ctx context.Context, instrumentID int, tf model.Timeframe, start, end time.Time, limit int) ([]model.Candle, error)
	GetRange(ctx context.Context, instrumentID int, tf model.Timeframe) (*model.CandleRange, error)
}

// RuleStore is the rule persistence surface. The engine never creates rules
// on its own; the thin HTTP driver surface does.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *model.Rule) (*model.Rule, error)
	GetRule(ctx context.Context, id int64) (*model.Rule, error)
	GetActiveRules(ctx context.Context) ([]model.Rule, error)
	GetActiveRulesByUser(ctx context.Context, userID int) ([]model.Rule, error)
	DeactivateRule(ctx context.Context, id int64) (bool, error)
	DeleteRule(ctx context.Context, id int64) (bool, error)
}

// BarFetcher fetches historical bars from the venue.
type BarFetcher interface {
	GetBars(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time, limit int) ([]model.Candle, error)
}

// Notifier publishes rule-trigger notifications.
type Notifier interface {
	Notify(ctx context.Context, destination string, n *model.Notification) error
}

// TradeExecutor submits orders for trade rules.
type TradeExecutor interface {
	ExecuteOrder(ctx context.Context, order *model.OrderRequest) (*model.OrderResult, error)
}

// Feed is the realtime push-feed surface the symbol-set manager drives.
type Feed interface {
	RegisterHandler(symbol string, h client.BarHandler)
	UnregisterHandler(symbol string)
	UpdateSubscriptions(symbols []string)
	Close()
}

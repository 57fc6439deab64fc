package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/client"
	"github.com/yourorg/marketsync/internal/model"
	"github.com/yourorg/marketsync/internal/repository"
)

type fakeFeed struct {
	mu          sync.Mutex
	handlers    map[string]client.BarHandler
	updateCalls [][]string
	closed      bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: make(map[string]client.BarHandler)}
}

func (f *fakeFeed) RegisterHandler(symbol string, h client.BarHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[symbol] = h
}

func (f *fakeFeed) UnregisterHandler(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, symbol)
}

func (f *fakeFeed) UpdateSubscriptions(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls = append(f.updateCalls, append([]string(nil), symbols...))
}

func (f *fakeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeFeed) lastSet() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updateCalls) == 0 {
		return nil
	}
	return f.updateCalls[len(f.updateCalls)-1]
}

func (f *fakeFeed) handlerFor(symbol string) client.BarHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[symbol]
}

func TestReconcileSubscribesActiveRuleInstruments(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryCandleStore()
	rules := repository.NewMemoryRuleStore()
	feed := newFakeFeed()
	logger := zap.NewNop()
	market := NewMarketDataService(store, NewAggregationService(store, logger), logger)
	svc := NewSymbolSetService(rules, store, market, map[string]Feed{"crypto": feed}, time.Minute, logger)

	btc, _ := store.GetOrCreateInstrument(ctx, "binance", "BTCUSDT", "crypto")
	eth, _ := store.GetOrCreateInstrument(ctx, "binance", "ETHUSDT", "crypto")

	mk := func(instID int) *model.Rule {
		r, err := rules.CreateRule(ctx, &model.Rule{
			UserID: 1, InstrumentID: instID,
			Kind: model.RuleKindAlert, Direction: model.DirectionAbove,
			Threshold: d("100"),
		})
		require.NoError(t, err)
		return r
	}
	ruleBTC := mk(btc.ID)
	mk(eth.ID)

	require.NoError(t, svc.Reconcile(ctx))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, feed.lastSet())
	assert.NotNil(t, feed.handlerFor("BTCUSDT"))
	assert.NotNil(t, feed.handlerFor("ETHUSDT"))

	// Re-asserting the same rule set re-sends the same desired set; churn
	// suppression is the feed's job and an identical set is a no-op there.
	require.NoError(t, svc.Reconcile(ctx))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, feed.lastSet())

	// A retired rule's instrument drops out on the next reconcile.
	_, err := rules.DeactivateRule(ctx, ruleBTC.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Reconcile(ctx))
	assert.Equal(t, []string{"ETHUSDT"}, feed.lastSet())
	assert.Nil(t, feed.handlerFor("BTCUSDT"))
	assert.NotNil(t, feed.handlerFor("ETHUSDT"))
}

func TestReconcileHandlerIngestsBars(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryCandleStore()
	rules := repository.NewMemoryRuleStore()
	feed := newFakeFeed()
	logger := zap.NewNop()
	market := NewMarketDataService(store, NewAggregationService(store, logger), logger)
	svc := NewSymbolSetService(rules, store, market, map[string]Feed{"crypto": feed}, time.Minute, logger)

	btc, _ := store.GetOrCreateInstrument(ctx, "binance", "BTCUSDT", "crypto")
	_, err := rules.CreateRule(ctx, &model.Rule{
		UserID: 1, InstrumentID: btc.ID,
		Kind: model.RuleKindAlert, Direction: model.DirectionAbove,
		Threshold: d("100"),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Reconcile(ctx))

	open := time.Date(2024, 1, 10, 0, 7, 0, 0, time.UTC)
	handler := feed.handlerFor("BTCUSDT")
	require.NotNil(t, handler)
	handler("BTCUSDT", model.FeedBar{
		Symbol:   "BTCUSDT",
		OpenTime: open,
		Open:     "100", High: "101", Low: "99", Close: "100.5", Volume: "2",
		Closed: true,
	})

	candles, err := store.GetCandles(ctx, btc.ID, model.Timeframe1m, open, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, candles, 1, "pushed bars flow through the ingest path")
}

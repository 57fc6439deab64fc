package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
	"github.com/yourorg/marketsync/internal/repository"
)

type notifyEvent struct {
	destination  string
	notification model.Notification
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notifyEvent
}

func (f *fakeNotifier) Notify(_ context.Context, destination string, n *model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, notifyEvent{destination: destination, notification: *n})
	return nil
}

func (f *fakeNotifier) all() []notifyEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifyEvent(nil), f.events...)
}

type fakeExecutor struct {
	mu     sync.Mutex
	err    error
	orders []model.OrderRequest
}

func (f *fakeExecutor) ExecuteOrder(_ context.Context, order *model.OrderRequest) (*model.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, *order)
	if f.err != nil {
		return nil, f.err
	}
	return &model.OrderResult{OrderID: "ord-1", Status: "filled", Filled: order.Quantity}, nil
}

type evalFixture struct {
	eval     *EvaluationService
	market   *MarketDataService
	store    *repository.MemoryCandleStore
	rules    *repository.MemoryRuleStore
	subs     *SubscriptionRegistry
	notifier *fakeNotifier
	executor *fakeExecutor
	instID   int
	now      time.Time
}

func newEvalFixture(t *testing.T, now time.Time) *evalFixture {
	t.Helper()
	store := repository.NewMemoryCandleStore()
	rules := repository.NewMemoryRuleStore()
	subs := NewSubscriptionRegistry()
	notifier := &fakeNotifier{}
	executor := &fakeExecutor{}
	logger := zap.NewNop()

	market := NewMarketDataService(store, NewAggregationService(store, logger), logger)
	eval := NewEvaluationService(rules, store, subs, notifier, executor, time.Minute, logger)

	fx := &evalFixture{
		eval: eval, market: market, store: store, rules: rules,
		subs: subs, notifier: notifier, executor: executor, now: now,
	}
	eval.now = func() time.Time { return fx.now }

	inst, err := store.GetOrCreateInstrument(context.Background(), "binance", "BTCUSDT", "crypto")
	require.NoError(t, err)
	fx.instID = inst.ID
	return fx
}

// flatMinutes ingests count flat candles (no crossings around 100) from
// start, with one optional spike candle at spikeAt.
func (fx *evalFixture) flatMinutes(t *testing.T, start time.Time, count int, spikeAt time.Time, spikeHigh string) {
	t.Helper()
	var batch []model.Candle
	for i := 0; i < count; i++ {
		open := start.Add(time.Duration(i) * time.Minute)
		c := minute(open, "100", "100.5", "99.5", "100", "1")
		if open.Equal(spikeAt) {
			c = minute(open, "100", spikeHigh, "99.5", "100", "1")
		}
		batch = append(batch, c)
	}
	_, err := fx.market.Ingest(context.Background(), fx.instID, batch)
	require.NoError(t, err)
}

func (fx *evalFixture) alertAbove(t *testing.T, createdAt time.Time, threshold string) *model.Rule {
	t.Helper()
	rule, err := fx.rules.CreateRule(context.Background(), &model.Rule{
		UserID:       7,
		InstrumentID: fx.instID,
		Kind:         model.RuleKindAlert,
		Direction:    model.DirectionAbove,
		Threshold:    d(threshold),
		CreatedAt:    createdAt,
	})
	require.NoError(t, err)
	return rule
}

func TestCatchUpTriggersAtExactCandle(t *testing.T) {
	// Alert created at T; threshold crossed at T+37min; the catch-up scan
	// must report exactly that candle and the next sweep must not
	// re-trigger.
	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	spikeAt := createdAt.Add(37 * time.Minute)
	fx := newEvalFixture(t, createdAt.Add(45*time.Minute))

	fx.flatMinutes(t, createdAt.Add(-2*time.Hour), 3*60, spikeAt, "105")
	rule := fx.alertAbove(t, createdAt, "100.9")
	fx.subs.Create(7)

	fx.eval.Sweep(context.Background())

	events := fx.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, rule.ID, events[0].notification.RuleID)
	assert.Equal(t, spikeAt, events[0].notification.TriggerTime)
	assert.True(t, events[0].notification.TriggerPrice.Equal(d("105")))

	// Next live tick: the triggering candle is behind the checked marker
	// and the rule is inactive either way.
	fx.now = fx.now.Add(time.Minute)
	fx.eval.Sweep(context.Background())
	assert.Len(t, fx.notifier.all(), 1, "exactly one trigger")

	active, err := fx.rules.GetActiveRulesByUser(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCatchUpIgnoresCandlesBeforeCreation(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	fx := newEvalFixture(t, createdAt.Add(30*time.Minute))

	// The only crossing happened an hour before the rule existed.
	fx.flatMinutes(t, createdAt.Add(-2*time.Hour), 3*60, createdAt.Add(-time.Hour), "200")
	fx.alertAbove(t, createdAt, "150")
	fx.subs.Create(7)

	fx.eval.Sweep(context.Background())
	assert.Empty(t, fx.notifier.all(), "pre-creation candles are out of scope")
}

func TestEscalationMatchesExhaustiveScan(t *testing.T) {
	// Three days of backlog with a single crossing buried mid-way: the
	// escalating scan must find the same candle as a 1-minute-only walk.
	createdAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	spikeAt := createdAt.Add(31*time.Hour + 17*time.Minute)
	liveEdge := createdAt.Add(3 * 24 * time.Hour)
	fx := newEvalFixture(t, liveEdge.Add(time.Minute))

	fx.flatMinutes(t, createdAt, 3*24*60, spikeAt, "107")
	rule := fx.alertAbove(t, createdAt, "106")

	ctx := context.Background()

	// Exhaustive reference walk over 1-minute candles only.
	var expected *model.Candle
	minutes, err := fx.store.GetCandles(ctx, fx.instID, model.Timeframe1m, createdAt, liveEdge, 0)
	require.NoError(t, err)
	for i := range minutes {
		if rule.Crossed(&minutes[i]) {
			expected = &minutes[i]
			break
		}
	}
	require.NotNil(t, expected)
	require.Equal(t, spikeAt, expected.OpenTime)

	hit, err := fx.eval.scanRange(ctx, rule, createdAt, liveEdge.Add(-time.Minute), len(model.Timeframes)-1)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, expected.OpenTime, hit.OpenTime, "escalating scan must find the identical candle")
	assert.Equal(t, model.Timeframe1m, hit.Timeframe)
}

func TestEscalationMatchesExhaustiveScanForTradeRules(t *testing.T) {
	// A candle whose high crosses but whose close does not must be passed
	// over by a trade rule at every escalation level.
	createdAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	wickAt := createdAt.Add(11 * time.Hour)
	closeAt := createdAt.Add(40 * time.Hour)
	liveEdge := createdAt.Add(3 * 24 * time.Hour)
	fx := newEvalFixture(t, liveEdge.Add(time.Minute))

	var batch []model.Candle
	for i := 0; i < 3*24*60; i++ {
		open := createdAt.Add(time.Duration(i) * time.Minute)
		c := minute(open, "100", "100.5", "99.5", "100", "1")
		switch {
		case open.Equal(wickAt):
			// High pierces the threshold, close retreats below it.
			c = minute(open, "100", "120", "99.5", "100", "1")
		case open.Equal(closeAt):
			c = minute(open, "100", "120", "99.5", "119", "1")
		}
		batch = append(batch, c)
	}
	_, err := fx.market.Ingest(context.Background(), fx.instID, batch)
	require.NoError(t, err)

	rule, err := fx.rules.CreateRule(context.Background(), &model.Rule{
		UserID:       7,
		InstrumentID: fx.instID,
		Kind:         model.RuleKindTrade,
		Direction:    model.DirectionAbove,
		Threshold:    d("110"),
		Side:         model.SideBuy,
		Quantity:     d("1"),
		QuantityKind: model.QuantityUnits,
	})
	require.NoError(t, err)

	hit, err := fx.eval.scanRange(context.Background(), rule, createdAt, liveEdge.Add(-time.Minute), len(model.Timeframes)-1)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, closeAt, hit.OpenTime, "the wick-only candle must not satisfy a close-compared rule")
}

func TestLiveScanOnlyExaminesNewCandles(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	fx := newEvalFixture(t, createdAt.Add(10*time.Minute))

	fx.flatMinutes(t, createdAt, 9, time.Time{}, "")
	fx.alertAbove(t, createdAt, "101")
	fx.subs.Create(7)

	// Catch-up completes without a trigger.
	fx.eval.Sweep(context.Background())
	require.Empty(t, fx.notifier.all())

	// Rewrite an already-checked candle to cross; live scans must not
	// look backward.
	spiked := minute(createdAt.Add(3*time.Minute), "100", "150", "99", "100", "1")
	_, err := fx.market.Ingest(context.Background(), fx.instID, []model.Candle{spiked})
	require.NoError(t, err)

	fx.now = fx.now.Add(time.Minute)
	fx.eval.Sweep(context.Background())
	assert.Empty(t, fx.notifier.all(), "candles at or before the checked marker are final")

	// A genuinely new crossing candle fires.
	fx.now = fx.now.Add(time.Minute)
	newCandle := minute(fx.now.Truncate(time.Minute).Add(-time.Minute), "100", "150", "99", "100", "1")
	_, err = fx.market.Ingest(context.Background(), fx.instID, []model.Candle{newCandle})
	require.NoError(t, err)

	fx.eval.Sweep(context.Background())
	events := fx.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, newCandle.OpenTime, events[0].notification.TriggerTime)
}

func TestTradeRuleFailClosed(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	spikeAt := createdAt.Add(5 * time.Minute)
	fx := newEvalFixture(t, createdAt.Add(10*time.Minute))
	fx.executor.err = fmt.Errorf("exchange rejected order")

	var batch []model.Candle
	for i := 0; i < 9; i++ {
		open := createdAt.Add(time.Duration(i) * time.Minute)
		c := minute(open, "100", "100.5", "99.5", "100", "1")
		if open.Equal(spikeAt) {
			c = minute(open, "100", "120", "99.5", "115", "1")
		}
		batch = append(batch, c)
	}
	_, err := fx.market.Ingest(context.Background(), fx.instID, batch)
	require.NoError(t, err)

	rule, err := fx.rules.CreateRule(context.Background(), &model.Rule{
		UserID:       7,
		InstrumentID: fx.instID,
		Kind:         model.RuleKindTrade,
		Direction:    model.DirectionAbove,
		Threshold:    d("110"),
		Side:         model.SideSell,
		Quantity:     d("2"),
		QuantityKind: model.QuantityQuoteNotional,
		CreatedAt:    createdAt,
	})
	require.NoError(t, err)
	fx.subs.Create(7)

	fx.eval.Sweep(context.Background())

	// The order was attempted once, the failure travels in the payload,
	// and the rule is gone so it cannot fire again.
	require.Len(t, fx.executor.orders, 1)
	assert.Equal(t, model.SideSell, fx.executor.orders[0].Side)
	assert.Equal(t, model.QuantityQuoteNotional, fx.executor.orders[0].QuantityKind)

	events := fx.notifier.all()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].notification.TradeError, "exchange rejected order")

	gone, err := fx.rules.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Nil(t, gone, "trade rules are deleted on trigger, success or not")

	fx.now = fx.now.Add(time.Minute)
	fx.eval.Sweep(context.Background())
	assert.Len(t, fx.executor.orders, 1, "no repeat execution")
}

func TestTriggerNotifiesEverySubscriptionOfOwner(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	fx := newEvalFixture(t, createdAt.Add(10*time.Minute))

	fx.flatMinutes(t, createdAt, 9, createdAt.Add(4*time.Minute), "200")
	fx.alertAbove(t, createdAt, "150")

	subA := fx.subs.Create(7)
	subB := fx.subs.Create(7)
	fx.subs.Create(99) // unrelated user

	fx.eval.Sweep(context.Background())

	events := fx.notifier.all()
	require.Len(t, events, 2, "one delivery per live subscription of the owner")
	destinations := map[string]bool{events[0].destination: true, events[1].destination: true}
	assert.True(t, destinations[subA.ID])
	assert.True(t, destinations[subB.ID])
}

package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
)

// EvaluationService sweeps active rules once a minute, aligned to the minute
// boundary. A subscription's first sweep is a full catch-up over stored
// history; later sweeps examine only candles newer than the subscription's
// checked-through marker. Sweeps run on a single goroutine, so an overrun
// simply coalesces with the next tick.
type EvaluationService struct {
	rules    RuleStore
	store    CandleStore
	subs     *SubscriptionRegistry
	notifier Notifier
	executor TradeExecutor
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     chan struct{}

	now func() time.Time
}

// NewEvaluationService creates a new rule evaluation scheduler
func NewEvaluationService(rules RuleStore, store CandleStore, subs *SubscriptionRegistry, notifier Notifier, executor TradeExecutor, interval time.Duration, logger *zap.Logger) *EvaluationService {
	return &EvaluationService{
		rules:    rules,
		store:    store,
		subs:     subs,
		notifier: notifier,
		executor: executor,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches the sweep loop. The first sweep waits for the next minute
// boundary so triggers land right after candles close.
func (s *EvaluationService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg = make(chan struct{})

	go func() {
		defer close(s.wg)

		untilBoundary := time.Until(s.now().Truncate(time.Minute).Add(time.Minute))
		select {
		case <-ctx.Done():
			return
		case <-time.After(untilBoundary):
		}

		s.Sweep(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *EvaluationService) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.wg
	}
}

// Sweep evaluates every live subscription against the newest closed candles.
func (s *EvaluationService) Sweep(ctx context.Context) {
	// Open time of the newest fully closed 1-minute candle.
	liveEdge := s.now().UTC().Truncate(time.Minute).Add(-time.Minute)

	fired := make(map[int64]bool)
	for _, sub := range s.subs.All() {
		if ctx.Err() != nil {
			return
		}
		if err := s.evaluateSubscription(ctx, sub, liveEdge, fired); err != nil {
			s.logger.Error("Subscription evaluation failed",
				zap.String("subscription_id", sub.ID),
				zap.Int("user_id", sub.UserID),
				zap.Error(err))
		}
	}
}

func (s *EvaluationService) evaluateSubscription(ctx context.Context, sub *model.Subscription, liveEdge time.Time, fired map[int64]bool) error {
	rules, err := s.rules.GetActiveRulesByUser(ctx, sub.UserID)
	if err != nil {
		return err
	}

	if sub.NeedsCatchUp() {
		for i := range rules {
			rule := &rules[i]
			if fired[rule.ID] {
				continue
			}
			// Scan from the rule's creation time, rounded up to the
			// next whole minute.
			start := rule.CreatedAt.UTC().Truncate(time.Minute)
			if start.Before(rule.CreatedAt.UTC()) {
				start = start.Add(time.Minute)
			}
			if start.After(liveEdge) {
				continue
			}
			hit, err := s.scanRange(ctx, rule, start, liveEdge, len(model.Timeframes)-1)
			if err != nil {
				return err
			}
			if hit != nil {
				s.fire(ctx, rule, hit)
				fired[rule.ID] = true
			}
		}
		sub.CompleteCatchUp(liveEdge)
		return nil
	}

	from := sub.LastChecked().Add(time.Minute)
	if from.After(liveEdge) {
		return nil
	}
	for i := range rules {
		rule := &rules[i]
		if fired[rule.ID] {
			continue
		}
		hit, err := s.scanRange(ctx, rule, from, liveEdge, len(model.Timeframes)-1)
		if err != nil {
			return err
		}
		if hit != nil {
			s.fire(ctx, rule, hit)
			fired[rule.ID] = true
		}
	}
	sub.AdvanceChecked(liveEdge)
	return nil
}

// scanRange finds the first 1-minute candle in [from, to] that triggers the
// rule. Long stretches are scanned at the coarsest aligned timeframe whose
// buckets are fully closed; a coarse candle whose high/low range cannot
// contain a crossing skips its whole bucket, and one that can is drilled
// into at the next finer resolution until the exact minute is found. The
// result is identical to an exhaustive 1-minute scan.
func (s *EvaluationService) scanRange(ctx context.Context, rule *model.Rule, from, to time.Time, maxIdx int) (*model.Candle, error) {
	cursor := from
	for !cursor.After(to) {
		idx := pickTimeframe(cursor, to, maxIdx)
		tf := model.Timeframes[idx]

		// Scan at tf only while its buckets stay fully closed and no
		// coarser alignment boundary intervenes.
		endExclusive := tf.Bucket(to.Add(time.Minute))
		if idx < maxIdx {
			boundary := model.Timeframes[idx+1].Next(cursor)
			if boundary.Before(endExclusive) {
				endExclusive = boundary
			}
		}

		candles, err := s.store.GetCandles(ctx, rule.InstrumentID, tf, cursor, endExclusive, 0)
		if err != nil {
			return nil, err
		}
		for i := range candles {
			c := &candles[i]
			if !rule.MayCross(c) {
				continue
			}
			if idx == 0 {
				if rule.Crossed(c) {
					return c, nil
				}
				continue
			}
			bucketLastMinute := c.OpenTime.Add(tf.Duration()).Add(-time.Minute)
			hit, err := s.scanRange(ctx, rule, c.OpenTime, bucketLastMinute, idx-1)
			if err != nil {
				return nil, err
			}
			if hit != nil {
				return hit, nil
			}
		}
		cursor = endExclusive
	}
	return nil, nil
}

// pickTimeframe returns the index of the coarsest timeframe that is aligned
// at cursor and whose first bucket closes no later than the live edge. The
// ladder nests, so alignment fails monotonically going coarser.
func pickTimeframe(cursor, to time.Time, maxIdx int) int {
	best := 0
	for i := 1; i <= maxIdx; i++ {
		tf := model.Timeframes[i]
		if !tf.Bucket(cursor).Equal(cursor) {
			break
		}
		if cursor.Add(tf.Duration()).After(to.Add(time.Minute)) {
			break
		}
		best = i
	}
	return best
}

// fire handles a triggered rule: execute the trade for trade rules, notify
// every live subscription of the owner, then take the rule out of play. The
// rule is deactivated even when the trade failed; the failure travels in the
// notification instead of leaving the rule armed.
func (s *EvaluationService) fire(ctx context.Context, rule *model.Rule, trigger *model.Candle) {
	symbol := ""
	if inst, err := s.store.GetInstrument(ctx, rule.InstrumentID); err == nil && inst != nil {
		symbol = inst.Symbol
	}

	var tradeErr string
	if rule.Kind == model.RuleKindTrade {
		_, err := s.executor.ExecuteOrder(ctx, &model.OrderRequest{
			RuleID:       rule.ID,
			UserID:       rule.UserID,
			Symbol:       symbol,
			Side:         rule.Side,
			Quantity:     rule.Quantity,
			QuantityKind: rule.QuantityKind,
		})
		if err != nil {
			tradeErr = err.Error()
			s.logger.Error("Trade execution failed, deactivating rule anyway",
				zap.Int64("rule_id", rule.ID),
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}

	notification := &model.Notification{
		RuleID:       rule.ID,
		UserID:       rule.UserID,
		InstrumentID: rule.InstrumentID,
		Symbol:       symbol,
		Kind:         rule.Kind,
		Direction:    rule.Direction,
		Threshold:    rule.Threshold,
		TriggerTime:  trigger.OpenTime,
		TriggerPrice: triggerPrice(rule, trigger),
		TradeError:   tradeErr,
		EmittedAt:    s.now().UTC(),
	}
	for _, sub := range s.subs.ForUser(rule.UserID) {
		if err := s.notifier.Notify(ctx, sub.ID, notification); err != nil {
			s.logger.Error("Failed to publish notification",
				zap.Int64("rule_id", rule.ID),
				zap.String("subscription_id", sub.ID),
				zap.Error(err))
		}
	}

	var err error
	if rule.Kind == model.RuleKindTrade {
		_, err = s.rules.DeleteRule(ctx, rule.ID)
	} else {
		_, err = s.rules.DeactivateRule(ctx, rule.ID)
	}
	if err != nil {
		s.logger.Error("Failed to retire triggered rule",
			zap.Int64("rule_id", rule.ID),
			zap.Error(err))
	}

	s.logger.Info("Rule triggered",
		zap.Int64("rule_id", rule.ID),
		zap.String("symbol", symbol),
		zap.String("kind", string(rule.Kind)),
		zap.Time("trigger_time", trigger.OpenTime))
}

func triggerPrice(rule *model.Rule, c *model.Candle) decimal.Decimal {
	if rule.Kind == model.RuleKindTrade {
		return c.Close
	}
	if rule.Direction == model.DirectionAbove {
		return c.High
	}
	return c.Low
}

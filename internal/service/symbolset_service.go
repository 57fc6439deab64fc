package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
)

// SymbolSetService keeps the realtime feeds subscribed to exactly the
// instruments that have active rules. Reconciliation is declarative: the
// full desired set is computed from the rule store and handed to each
// asset class's feed, which reconnects only when its set changed.
type SymbolSetService struct {
	rules    RuleStore
	store    CandleStore
	market   *MarketDataService
	feeds    map[string]Feed // asset class -> feed
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	current map[string]map[string]int // asset class -> symbol -> instrument id
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSymbolSetService creates a new symbol-set manager
func NewSymbolSetService(rules RuleStore, store CandleStore, market *MarketDataService, feeds map[string]Feed, interval time.Duration, logger *zap.Logger) *SymbolSetService {
	return &SymbolSetService{
		rules:    rules,
		store:    store,
		market:   market,
		feeds:    feeds,
		interval: interval,
		logger:   logger,
		current:  make(map[string]map[string]int),
	}
}

// Start launches the periodic reconcile loop.
func (s *SymbolSetService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Symbol-set reconcile failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the loop and closes all feeds.
func (s *SymbolSetService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	for _, feed := range s.feeds {
		feed.Close()
	}
}

// Reconcile recomputes the desired symbol set per asset class from active
// rules and pushes it to the feeds. Handlers for new symbols route pushed
// bars into the shared ingest path.
func (s *SymbolSetService) Reconcile(ctx context.Context) error {
	rules, err := s.rules.GetActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active rules: %w", err)
	}

	desired := make(map[string]map[string]int)
	seen := make(map[int]bool)
	for _, rule := range rules {
		if seen[rule.InstrumentID] {
			continue
		}
		seen[rule.InstrumentID] = true
		inst, err := s.store.GetInstrument(ctx, rule.InstrumentID)
		if err != nil {
			return fmt.Errorf("failed to resolve instrument %d: %w", rule.InstrumentID, err)
		}
		if inst == nil {
			s.logger.Warn("Active rule references unknown instrument",
				zap.Int64("rule_id", rule.ID),
				zap.Int("instrument_id", rule.InstrumentID))
			continue
		}
		if _, ok := s.feeds[inst.AssetClass]; !ok {
			s.logger.Warn("No feed configured for asset class",
				zap.String("asset_class", inst.AssetClass),
				zap.String("symbol", inst.Symbol))
			continue
		}
		if desired[inst.AssetClass] == nil {
			desired[inst.AssetClass] = make(map[string]int)
		}
		desired[inst.AssetClass][inst.Symbol] = inst.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for class, feed := range s.feeds {
		want := desired[class]
		have := s.current[class]

		for symbol := range have {
			if _, ok := want[symbol]; !ok {
				feed.UnregisterHandler(symbol)
			}
		}
		for symbol, instrumentID := range want {
			if _, ok := have[symbol]; !ok {
				feed.RegisterHandler(symbol, s.barHandler(instrumentID))
			}
		}

		symbols := make([]string, 0, len(want))
		for symbol := range want {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		feed.UpdateSubscriptions(symbols)

		if want == nil {
			want = make(map[string]int)
		}
		s.current[class] = want
	}
	return nil
}

func (s *SymbolSetService) barHandler(instrumentID int) func(symbol string, bar model.FeedBar) {
	return func(symbol string, bar model.FeedBar) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.market.IngestFeedBar(ctx, instrumentID, bar); err != nil {
			s.logger.Error("Failed to ingest feed bar",
				zap.String("symbol", symbol),
				zap.Int("instrument_id", instrumentID),
				zap.Error(err))
		}
	}
}

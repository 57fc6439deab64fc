package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/marketsync/internal/model"
)

// MemoryCandleStore is an in-memory candle store with the same upsert
// semantics as the Postgres repository. It backs tests and the no-database
// development mode.
type MemoryCandleStore struct {
	mu          sync.RWMutex
	instruments map[string]*model.Instrument
	byID        map[int]*model.Instrument
	nextInstID  int
	candles     map[int]map[candleKey]model.Candle
}

type candleKey struct {
	tf model.Timeframe
	ts int64
}

// NewMemoryCandleStore creates an empty in-memory candle store.
func NewMemoryCandleStore() *MemoryCandleStore {
	return &MemoryCandleStore{
		instruments: make(map[string]*model.Instrument),
		byID:        make(map[int]*model.Instrument),
		nextInstID:  1,
		candles:     make(map[int]map[candleKey]model.Candle),
	}
}

func (s *MemoryCandleStore) GetOrCreateInstrument(_ context.Context, venue, symbol, assetClass string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := venue + "|" + symbol
	if inst, ok := s.instruments[key]; ok {
		return inst, nil
	}
	inst := &model.Instrument{
		ID:         s.nextInstID,
		Venue:      venue,
		Symbol:     symbol,
		AssetClass: assetClass,
		CreatedAt:  time.Now().UTC(),
	}
	s.nextInstID++
	s.instruments[key] = inst
	s.byID[inst.ID] = inst
	s.candles[inst.ID] = make(map[candleKey]model.Candle)
	return inst, nil
}

func (s *MemoryCandleStore) GetInstrument(_ context.Context, id int) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id], nil
}

func (s *MemoryCandleStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Instrument, 0, len(s.byID))
	for _, inst := range s.byID {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryCandleStore) UpsertBatch(_ context.Context, instrumentID int, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	deduped := model.DedupeCandles(candles)

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.candles[instrumentID]
	if !ok {
		bucket = make(map[candleKey]model.Candle)
		s.candles[instrumentID] = bucket
	}
	for _, c := range deduped {
		c.InstrumentID = instrumentID
		bucket[candleKey{c.Timeframe, c.OpenTime.UnixMilli()}] = c
	}
	return len(deduped), nil
}

func (s *MemoryCandleStore) GetCandles(_ context.Context, instrumentID int, tf model.Timeframe, start, end time.Time, limit int) ([]model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Candle
	for k, c := range s.candles[instrumentID] {
		if k.tf != tf {
			continue
		}
		if c.OpenTime.Before(start) {
			continue
		}
		if !end.IsZero() && !c.OpenTime.Before(end) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryCandleStore) GetRange(_ context.Context, instrumentID int, tf model.Timeframe) (*model.CandleRange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rng := &model.CandleRange{InstrumentID: instrumentID, Timeframe: tf}
	for k, c := range s.candles[instrumentID] {
		if k.tf != tf {
			continue
		}
		rng.Count++
		t := c.OpenTime
		if rng.Earliest == nil || t.Before(*rng.Earliest) {
			earliest := t
			rng.Earliest = &earliest
		}
		if rng.Latest == nil || t.After(*rng.Latest) {
			latest := t
			rng.Latest = &latest
		}
	}
	return rng, nil
}

// MemoryRuleStore is an in-memory rule store used by tests and the
// no-database development mode.
type MemoryRuleStore struct {
	mu     sync.RWMutex
	rules  map[int64]*model.Rule
	nextID int64
}

// NewMemoryRuleStore creates an empty in-memory rule store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[int64]*model.Rule), nextID: 1}
}

func (s *MemoryRuleStore) CreateRule(_ context.Context, rule *model.Rule) (*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	cp.ID = s.nextID
	s.nextID++
	cp.Active = true
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.rules[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryRuleStore) GetRule(_ context.Context, id int64) (*model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryRuleStore) GetActiveRules(_ context.Context) ([]model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Rule
	for _, r := range s.rules {
		if r.Active {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstrumentID != out[j].InstrumentID {
			return out[i].InstrumentID < out[j].InstrumentID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryRuleStore) GetActiveRulesByUser(_ context.Context, userID int) ([]model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Rule
	for _, r := range s.rules {
		if r.Active && r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryRuleStore) DeactivateRule(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || !r.Active {
		return false, nil
	}
	r.Active = false
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryRuleStore) DeleteRule(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return false, nil
	}
	delete(s.rules, id)
	return true, nil
}

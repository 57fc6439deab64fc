package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
)

// MarketDataService is the shared ingest and query path. Both the historical
// backfill and the realtime feed write through Ingest, so every stored minute
// candle flows through the same dedupe, upsert and aggregation steps.
type MarketDataService struct {
	store      CandleStore
	aggregator *AggregationService
	logger     *zap.Logger
}

// NewMarketDataService creates a new market data service
func NewMarketDataService(store CandleStore, aggregator *AggregationService, logger *zap.Logger) *MarketDataService {
	return &MarketDataService{
		store:      store,
		aggregator: aggregator,
		logger:     logger,
	}
}

// Ingest upserts a batch of 1-minute candles and recomputes every coarser
// bucket they touch. Returns the number of distinct candles written.
func (s *MarketDataService) Ingest(ctx context.Context, instrumentID int, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	written, err := s.store.UpsertBatch(ctx, instrumentID, candles)
	if err != nil {
		return 0, fmt.Errorf("failed to store candles: %w", err)
	}

	if err := s.aggregator.AggregateBatch(ctx, instrumentID, candles); err != nil {
		return written, fmt.Errorf("failed to aggregate candles: %w", err)
	}
	return written, nil
}

// IngestFeedBar converts one pushed bar into a minute candle and ingests it.
// Open bars are ingested too; the upsert overwrites them as updates arrive.
func (s *MarketDataService) IngestFeedBar(ctx context.Context, instrumentID int, bar model.FeedBar) error {
	candle, err := feedBarToCandle(instrumentID, bar)
	if err != nil {
		return err
	}
	_, err = s.Ingest(ctx, instrumentID, []model.Candle{candle})
	return err
}

// GetCandles retrieves candles for an instrument and timeframe.
func (s *MarketDataService) GetCandles(ctx context.Context, instrumentID int, tf model.Timeframe, start, end time.Time, limit int) ([]model.Candle, error) {
	return s.store.GetCandles(ctx, instrumentID, tf, start, end, limit)
}

// GetRange reports the stored extent for an instrument and timeframe.
func (s *MarketDataService) GetRange(ctx context.Context, instrumentID int, tf model.Timeframe) (*model.CandleRange, error) {
	return s.store.GetRange(ctx, instrumentID, tf)
}

func feedBarToCandle(instrumentID int, bar model.FeedBar) (model.Candle, error) {
	fields := [5]string{bar.Open, bar.High, bar.Low, bar.Close, bar.Volume}
	parsed := [5]decimal.Decimal{}
	for i, s := range fields {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return model.Candle{}, fmt.Errorf("malformed feed bar field %d: %w", i, err)
		}
		parsed[i] = d
	}
	tf := bar.Timeframe
	if tf == "" {
		tf = model.Timeframe1m
	}
	return model.Candle{
		InstrumentID: instrumentID,
		Timeframe:    tf,
		OpenTime:     tf.Bucket(bar.OpenTime),
		Open:         parsed[0],
		High:         parsed[1],
		Low:          parsed[2],
		Close:        parsed[3],
		Volume:       parsed[4],
	}, nil
}

package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
)

// AggregationService derives the coarser timeframes from stored 1-minute
// candles. Every touched bucket is recomputed from a full re-read of its
// minute candles, so repeated or out-of-order writes converge on the same
// aggregate.
type AggregationService struct {
	store  CandleStore
	logger *zap.Logger
}

// NewAggregationService creates a new aggregation service
func NewAggregationService(store CandleStore, logger *zap.Logger) *AggregationService {
	return &AggregationService{store: store, logger: logger}
}

// AggregateBatch recomputes every coarser bucket touched by the given batch
// of freshly written 1-minute candles.
func (s *AggregationService) AggregateBatch(ctx context.Context, instrumentID int, minuteCandles []model.Candle) error {
	if len(minuteCandles) == 0 {
		return nil
	}

	for _, tf := range model.AggregatedTimeframes {
		touched := make(map[time.Time]struct{})
		for _, c := range minuteCandles {
			touched[tf.Bucket(c.OpenTime)] = struct{}{}
		}

		aggregates := make([]model.Candle, 0, len(touched))
		for bucketStart := range touched {
			agg, err := s.recomputeBucket(ctx, instrumentID, tf, bucketStart)
			if err != nil {
				return err
			}
			if agg != nil {
				aggregates = append(aggregates, *agg)
			}
		}

		if len(aggregates) == 0 {
			continue
		}
		if _, err := s.store.UpsertBatch(ctx, instrumentID, aggregates); err != nil {
			return fmt.Errorf("failed to store %s aggregates: %w", tf, err)
		}
	}
	return nil
}

// recomputeBucket re-reads all minute candles of one bucket and folds them
// into a single coarser candle. Returns nil when the bucket is empty.
func (s *AggregationService) recomputeBucket(ctx context.Context, instrumentID int, tf model.Timeframe, bucketStart time.Time) (*model.Candle, error) {
	minutes, err := s.store.GetCandles(ctx, instrumentID, model.Timeframe1m, bucketStart, bucketStart.Add(tf.Duration()), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s bucket at %s: %w", tf, bucketStart, err)
	}
	if len(minutes) == 0 {
		return nil, nil
	}
	agg := model.AggregateCandles(minutes, tf, bucketStart)
	return &agg, nil
}

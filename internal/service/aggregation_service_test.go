package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
	"github.com/yourorg/marketsync/internal/repository"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func minute(open time.Time, o, h, l, c, v string) model.Candle {
	return model.Candle{
		Timeframe: model.Timeframe1m,
		OpenTime:  open,
		Open:      d(o),
		High:      d(h),
		Low:       d(l),
		Close:     d(c),
		Volume:    d(v),
	}
}

func newIngest(t *testing.T) (*MarketDataService, *repository.MemoryCandleStore, int) {
	t.Helper()
	store := repository.NewMemoryCandleStore()
	logger := zap.NewNop()
	market := NewMarketDataService(store, NewAggregationService(store, logger), logger)
	inst, err := store.GetOrCreateInstrument(context.Background(), "binance", "BTCUSDT", "crypto")
	require.NoError(t, err)
	return market, store, inst.ID
}

func TestAggregationCorrectness(t *testing.T) {
	market, store, instID := newIngest(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	minutes := []model.Candle{
		minute(base, "100", "102", "99", "101", "5"),
		minute(base.Add(1*time.Minute), "101", "106", "100", "105", "3"),
		minute(base.Add(2*time.Minute), "105", "105", "95", "96", "7"),
		minute(base.Add(3*time.Minute), "96", "98", "94", "97", "2"),
		minute(base.Add(4*time.Minute), "97", "99", "96", "98", "1"),
	}
	_, err := market.Ingest(ctx, instID, minutes)
	require.NoError(t, err)

	fives, err := store.GetCandles(ctx, instID, model.Timeframe5m, base, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, fives, 1)

	agg := fives[0]
	assert.True(t, agg.Open.Equal(d("100")), "open is the first candle's open")
	assert.True(t, agg.Close.Equal(d("98")), "close is the last candle's close")
	assert.True(t, agg.High.Equal(d("106")))
	assert.True(t, agg.Low.Equal(d("94")))
	assert.True(t, agg.Volume.Equal(d("18")))

	// Every coarser timeframe got a candle for the touched bucket.
	for _, tf := range model.AggregatedTimeframes {
		out, err := store.GetCandles(ctx, instID, tf, tf.Bucket(base), time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, out, 1, "missing %s aggregate", tf)
	}
}

func TestAggregationOutOfOrderConverges(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	minutes := []model.Candle{
		minute(base, "100", "102", "99", "101", "5"),
		minute(base.Add(1*time.Minute), "101", "106", "100", "105", "3"),
		minute(base.Add(2*time.Minute), "105", "105", "95", "96", "7"),
	}

	// In-order ingest.
	marketA, storeA, instA := newIngest(t)
	_, err := marketA.Ingest(ctx, instA, minutes)
	require.NoError(t, err)

	// Reverse order, one candle at a time.
	marketB, storeB, instB := newIngest(t)
	for i := len(minutes) - 1; i >= 0; i-- {
		_, err := marketB.Ingest(ctx, instB, []model.Candle{minutes[i]})
		require.NoError(t, err)
	}

	aggA, err := storeA.GetCandles(ctx, instA, model.Timeframe5m, base, time.Time{}, 0)
	require.NoError(t, err)
	aggB, err := storeB.GetCandles(ctx, instB, model.Timeframe5m, base, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, aggA, 1)
	require.Len(t, aggB, 1)

	assert.True(t, aggA[0].Open.Equal(aggB[0].Open))
	assert.True(t, aggA[0].Close.Equal(aggB[0].Close))
	assert.True(t, aggA[0].High.Equal(aggB[0].High))
	assert.True(t, aggA[0].Low.Equal(aggB[0].Low))
	assert.True(t, aggA[0].Volume.Equal(aggB[0].Volume))
}

func TestAggregationLateCandleCorrects(t *testing.T) {
	market, store, instID := newIngest(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	_, err := market.Ingest(ctx, instID, []model.Candle{
		minute(base.Add(1*time.Minute), "101", "106", "100", "105", "3"),
	})
	require.NoError(t, err)

	// The bucket's true first candle arrives late; the full-bucket re-read
	// must fix the aggregate's open.
	_, err = market.Ingest(ctx, instID, []model.Candle{
		minute(base, "100", "102", "99", "101", "5"),
	})
	require.NoError(t, err)

	fives, err := store.GetCandles(ctx, instID, model.Timeframe5m, base, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, fives, 1)
	assert.True(t, fives[0].Open.Equal(d("100")))
	assert.True(t, fives[0].Close.Equal(d("105")))
	assert.True(t, fives[0].Volume.Equal(d("8")))
}

func TestIngestFeedBar(t *testing.T) {
	market, store, instID := newIngest(t)
	ctx := context.Background()
	open := time.Date(2024, 1, 10, 0, 7, 0, 0, time.UTC)

	err := market.IngestFeedBar(ctx, instID, model.FeedBar{
		Symbol:   "BTCUSDT",
		OpenTime: open,
		Open:     "100", High: "101", Low: "99", Close: "100.5", Volume: "2",
		Closed: true,
	})
	require.NoError(t, err)

	out, err := store.GetCandles(ctx, instID, model.Timeframe1m, open, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Close.Equal(d("100.5")))

	// The containing 5m bucket was aggregated too.
	fives, err := store.GetCandles(ctx, instID, model.Timeframe5m, model.Timeframe5m.Bucket(open), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, fives, 1)
}

package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument represents a tradable pair on a venue.
type Instrument struct {
	ID         int       `json:"id" db:"id"`
	Venue      string    `json:"venue" db:"venue"`
	Symbol     string    `json:"symbol" db:"symbol"`
	AssetClass string    `json:"asset_class" db:"asset_class"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Candle represents a single OHLCV bar at a given timeframe.
type Candle struct {
	ID           int64           `json:"id,omitempty" db:"id"`
	InstrumentID int             `json:"instrument_id" db:"instrument_id"`
	Timeframe    Timeframe       `json:"timeframe" db:"timeframe"`
	OpenTime     time.Time       `json:"open_time" db:"open_time"`
	Open         decimal.Decimal `json:"open" db:"open"`
	High         decimal.Decimal `json:"high" db:"high"`
	Low          decimal.Decimal `json:"low" db:"low"`
	Close        decimal.Decimal `json:"close" db:"close"`
	Volume       decimal.Decimal `json:"volume" db:"volume"`
}

// CandleRange describes the stored extent of data for an instrument+timeframe.
type CandleRange struct {
	InstrumentID int        `json:"instrument_id"`
	Timeframe    Timeframe  `json:"timeframe"`
	Earliest     *time.Time `json:"earliest"`
	Latest       *time.Time `json:"latest"`
	Count        int64      `json:"count"`
}

// DedupeCandles collapses a batch to one candle per (timeframe, open time),
// the later record in the slice winning, and returns the survivors sorted by
// open time ascending.
func DedupeCandles(candles []Candle) []Candle {
	type key struct {
		tf Timeframe
		ts int64
	}
	seen := make(map[key]Candle, len(candles))
	for _, c := range candles {
		seen[key{c.Timeframe, c.OpenTime.UnixMilli()}] = c
	}
	out := make([]Candle, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timeframe != out[j].Timeframe {
			return out[i].Timeframe < out[j].Timeframe
		}
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}

// AggregateCandles folds a bucket's worth of finer candles into one coarser
// candle. Input must be sorted by open time ascending and non-empty.
func AggregateCandles(candles []Candle, tf Timeframe, bucketStart time.Time) Candle {
	agg := Candle{
		InstrumentID: candles[0].InstrumentID,
		Timeframe:    tf,
		OpenTime:     bucketStart,
		Open:         candles[0].Open,
		High:         candles[0].High,
		Low:          candles[0].Low,
		Close:        candles[len(candles)-1].Close,
		Volume:       decimal.Zero,
	}
	for _, c := range candles {
		if c.High.GreaterThan(agg.High) {
			agg.High = c.High
		}
		if c.Low.LessThan(agg.Low) {
			agg.Low = c.Low
		}
		agg.Volume = agg.Volume.Add(c.Volume)
	}
	return agg
}

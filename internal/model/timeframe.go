package model

import (
	"fmt"
	"time"
)

// Timeframe identifies one of the fixed candle resolutions the engine stores.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Timeframes is the full ladder ordered finest to coarsest.
var Timeframes = []Timeframe{
	Timeframe1m,
	Timeframe5m,
	Timeframe15m,
	Timeframe1h,
	Timeframe4h,
	Timeframe1d,
}

// AggregatedTimeframes are the resolutions derived from 1-minute data.
var AggregatedTimeframes = []Timeframe{
	Timeframe5m,
	Timeframe15m,
	Timeframe1h,
	Timeframe4h,
	Timeframe1d,
}

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the candle span of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether the timeframe is one of the supported resolutions.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Bucket returns the open time of the candle containing t at this timeframe.
// Buckets are aligned to the Unix epoch in UTC, which matches venue candle
// boundaries for every supported resolution.
func (tf Timeframe) Bucket(t time.Time) time.Time {
	return t.UTC().Truncate(timeframeDurations[tf])
}

// Next returns the open time of the candle after the one opening at t.
func (tf Timeframe) Next(t time.Time) time.Time {
	return tf.Bucket(t).Add(timeframeDurations[tf])
}

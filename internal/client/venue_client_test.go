package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
)

const usageHeader = "X-MBX-USED-WEIGHT-1M"

func newTestVenueClient(t *testing.T, handler http.HandlerFunc) (*VenueClient, *RateLimiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	limiter := NewRateLimiter(1200, time.Minute, 0.9, zap.NewNop())
	return NewVenueClient(srv.URL, usageHeader, 5*time.Second, limiter, zap.NewNop()), limiter
}

func TestGetBarsParsesKlines(t *testing.T) {
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Minute)

	var gotQuery map[string]string
	client, limiter := newTestVenueClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"symbol":    r.URL.Query().Get("symbol"),
			"interval":  r.URL.Query().Get("interval"),
			"limit":     r.URL.Query().Get("limit"),
			"startTime": r.URL.Query().Get("startTime"),
			"endTime":   r.URL.Query().Get("endTime"),
		}
		w.Header().Set(usageHeader, "42")
		w.Write([]byte(`[
			[1704844800000, "42000.1", "42010.5", "41990.0", "42005.2", "12.5", 1704844859999, "0", 10, "0", "0", "0"],
			[1704844860000, "42005.2", "42020.0", "42000.0", "42018.9", "8.25", 1704844919999, "0", 8, "0", "0", "0"]
		]`))
	})

	bars, err := client.GetBars(context.Background(), "BTCUSDT", model.Timeframe1m, start, end, 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, "BTCUSDT", gotQuery["symbol"])
	assert.Equal(t, "1m", gotQuery["interval"])
	assert.Equal(t, "2", gotQuery["limit"])
	assert.Equal(t, strconv.FormatInt(start.UnixMilli(), 10), gotQuery["startTime"])
	assert.Equal(t, strconv.FormatInt(end.UnixMilli()-1, 10), gotQuery["endTime"])

	assert.Equal(t, time.UnixMilli(1704844800000).UTC(), bars[0].OpenTime)
	assert.Equal(t, model.Timeframe1m, bars[0].Timeframe)
	assert.True(t, bars[0].Open.Equal(decimal.RequireFromString("42000.1")))
	assert.True(t, bars[0].High.Equal(decimal.RequireFromString("42010.5")))
	assert.True(t, bars[0].Low.Equal(decimal.RequireFromString("41990.0")))
	assert.True(t, bars[0].Close.Equal(decimal.RequireFromString("42005.2")))
	assert.True(t, bars[0].Volume.Equal(decimal.RequireFromString("12.5")))

	// Usage header reconciled into the limiter.
	assert.Equal(t, 42, limiter.Used())
}

func TestGetBarsMalformedRow(t *testing.T) {
	client, _ := newTestVenueClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1704844800000, "42000.1", "not-a-number", "41990.0", "42005.2", "12.5"]]`))
	})

	_, err := client.GetBars(context.Background(), "BTCUSDT", model.Timeframe1m, time.Time{}, time.Time{}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestGetBarsMalformedBody(t *testing.T) {
	client, _ := newTestVenueClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"weird": true}`))
	})

	_, err := client.GetBars(context.Background(), "BTCUSDT", model.Timeframe1m, time.Time{}, time.Time{}, 10)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestGetBarsServerError(t *testing.T) {
	client, _ := newTestVenueClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"code": -1121, "msg": "Invalid symbol."}`))
	})

	_, err := client.GetBars(context.Background(), "NOPE", model.Timeframe1m, time.Time{}, time.Time{}, 10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedPayload, "transport errors stay retryable")
}

func TestGetExchangeInfo(t *testing.T) {
	client, _ := newTestVenueClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/exchangeInfo", r.URL.Path)
		w.Write([]byte(`{"timezone":"UTC","serverTime":1704844800000,"symbols":[{"symbol":"BTCUSDT","baseAsset":"BTC","quoteAsset":"USDT","status":"TRADING"}]}`))
	})

	info, err := client.GetExchangeInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, info.Symbols, 1)
	assert.Equal(t, "BTCUSDT", info.Symbols[0].Symbol)
}

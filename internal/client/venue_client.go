package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
)

// MaxBarsLimit is the largest page the venue serves per request.
const MaxBarsLimit = 1000

// ErrMalformedPayload marks a response body that decoded but did not match
// the expected kline shape. Callers drop the batch instead of retrying it.
var ErrMalformedPayload = errors.New("malformed venue payload")

// VenueClient fetches historical bars from the venue REST API through the
// shared rate limiter.
type VenueClient struct {
	baseURL     string
	usageHeader string
	httpClient  *http.Client
	limiter     *RateLimiter
	logger      *zap.Logger
}

// NewVenueClient creates a new venue API client
func NewVenueClient(baseURL, usageHeader string, timeout time.Duration, limiter *RateLimiter, logger *zap.Logger) *VenueClient {
	return &VenueClient{
		baseURL:     baseURL,
		usageHeader: usageHeader,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiter,
		logger:      logger,
	}
}

// GetBars fetches up to limit bars of symbol at the given timeframe with open
// times in [start, end). A zero end leaves the range open on the right.
func (c *VenueClient) GetBars(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time, limit int) ([]model.Candle, error) {
	if limit <= 0 || limit > MaxBarsLimit {
		limit = MaxBarsLimit
	}

	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("interval", string(tf))
	params.Add("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		params.Add("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		// venue range is inclusive on the right
		params.Add("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
	}

	requestURL := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())

	body, err := c.doRequest(ctx, requestURL, weightForLimit(limit))
	if err != nil {
		return nil, err
	}

	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKlineRow(row, tf)
		if err != nil {
			c.logger.Warn("Skipping malformed kline row",
				zap.String("symbol", symbol),
				zap.Int("row", i),
				zap.Error(err))
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformedPayload, i, err)
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// GetExchangeInfo fetches the venue's instrument catalogue.
func (c *VenueClient) GetExchangeInfo(ctx context.Context) (*model.ExchangeInfo, error) {
	requestURL := fmt.Sprintf("%s/api/v3/exchangeInfo", c.baseURL)

	body, err := c.doRequest(ctx, requestURL, 10)
	if err != nil {
		return nil, err
	}

	var info model.ExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &info, nil
}

// doRequest waits on the limiter, executes the GET and reconciles the local
// weight counter from the venue's usage header.
func (c *VenueClient) doRequest(ctx context.Context, requestURL string, weight int) ([]byte, error) {
	if err := c.limiter.Wait(ctx, weight); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if used := resp.Header.Get(c.usageHeader); used != "" {
		if n, err := strconv.Atoi(used); err == nil {
			c.limiter.Reconcile(n)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("venue API returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// weightForLimit mirrors the venue's documented kline request weights.
func weightForLimit(limit int) int {
	switch {
	case limit <= 100:
		return 1
	case limit <= 500:
		return 2
	default:
		return 5
	}
}

// parseKlineRow converts one venue kline array into a candle. Prices and
// volume arrive as strings to preserve precision.
func parseKlineRow(row []interface{}, tf model.Timeframe) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}

	openTimeMs, ok := row[0].(float64)
	if !ok {
		return model.Candle{}, fmt.Errorf("open time is not a number")
	}

	fields := make([]decimal.Decimal, 5)
	for i := 1; i <= 5; i++ {
		s, ok := row[i].(string)
		if !ok {
			return model.Candle{}, fmt.Errorf("field %d is not a string", i)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i, err)
		}
		fields[i-1] = d
	}

	return model.Candle{
		Timeframe: tf,
		OpenTime:  time.UnixMilli(int64(openTimeMs)).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

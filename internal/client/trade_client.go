package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
)

// TradeClient submits orders to the trade-execution service.
type TradeClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTradeClient creates a new trade-execution client
func NewTradeClient(baseURL string, timeout time.Duration, logger *zap.Logger) *TradeClient {
	return &TradeClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// ExecuteOrder submits an order and returns the venue's acknowledgement. The
// quantity kind is passed through untouched; the execution venue owns the
// conversion between units and quote notional.
func (c *TradeClient) ExecuteOrder(ctx context.Context, order *model.OrderRequest) (*model.OrderResult, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("order request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("execution service returned status %d: %s", resp.StatusCode, string(body))
	}

	var result model.OrderResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse order result: %w", err)
	}

	c.logger.Info("Order executed",
		zap.Int64("rule_id", order.RuleID),
		zap.String("symbol", order.Symbol),
		zap.String("order_id", result.OrderID))

	return &result, nil
}

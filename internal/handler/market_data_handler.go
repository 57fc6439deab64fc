package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
	"github.com/yourorg/marketsync/internal/service"
)

// MarketDataHandler handles candle query HTTP requests
type MarketDataHandler struct {
	marketDataService *service.MarketDataService
	logger            *zap.Logger
}

// NewMarketDataHandler creates a new market data handler
func NewMarketDataHandler(marketDataService *service.MarketDataService, logger *zap.Logger) *MarketDataHandler {
	return &MarketDataHandler{
		marketDataService: marketDataService,
		logger:            logger,
	}
}

// GetCandles handles retrieving candle data
// GET /api/v1/market-data/candles
func (h *MarketDataHandler) GetCandles(c *gin.Context) {
	instrumentID, err := strconv.Atoi(c.Query("instrument_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid instrument ID"})
		return
	}

	tf, err := model.ParseTimeframe(c.DefaultQuery("timeframe", string(model.Timeframe1m)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var start, end time.Time
	if s := c.Query("start"); s != "" {
		start, err = parseTimeParam(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start format. Use YYYY-MM-DD or RFC3339"})
			return
		}
	}
	if s := c.Query("end"); s != "" {
		end, err = parseTimeParam(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid end format. Use YYYY-MM-DD or RFC3339"})
			return
		}
	}

	limit := 1000
	if s := c.Query("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 || limit > 5000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
	}

	candles, err := h.marketDataService.GetCandles(c.Request.Context(), instrumentID, tf, start, end, limit)
	if err != nil {
		h.logger.Error("Failed to get candles",
			zap.Error(err),
			zap.Int("instrument_id", instrumentID),
			zap.String("timeframe", string(tf)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get candle data"})
		return
	}

	rng, err := h.marketDataService.GetRange(c.Request.Context(), instrumentID, tf)
	if err != nil {
		h.logger.Error("Failed to get candle range", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get candle data"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"candles": candles,
		"range":   rng,
	})
}

func parseTimeParam(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
	}
	return t, err
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
	"github.com/yourorg/marketsync/internal/service"
)

// RuleHandler is a thin driver surface for creating and listing rules. Rule
// management proper lives with the upstream platform; the engine only needs
// enough here to be driven end to end.
type RuleHandler struct {
	rules     service.RuleStore
	symbolSet *service.SymbolSetService
	logger    *zap.Logger
}

// NewRuleHandler creates a new rule handler
func NewRuleHandler(rules service.RuleStore, symbolSet *service.SymbolSetService, logger *zap.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, symbolSet: symbolSet, logger: logger}
}

// CreateRule creates an active rule
// POST /api/v1/rules
func (h *RuleHandler) CreateRule(c *gin.Context) {
	var request struct {
		UserID       int    `json:"user_id" binding:"required"`
		InstrumentID int    `json:"instrument_id" binding:"required"`
		Kind         string `json:"kind" binding:"required"`
		Direction    string `json:"direction" binding:"required"`
		Threshold    string `json:"threshold" binding:"required"`
		Side         string `json:"side"`
		Quantity     string `json:"quantity"`
		QuantityKind string `json:"quantity_kind"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	threshold, err := decimal.NewFromString(request.Threshold)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid threshold"})
		return
	}

	rule := &model.Rule{
		UserID:       request.UserID,
		InstrumentID: request.InstrumentID,
		Kind:         model.RuleKind(request.Kind),
		Direction:    model.RuleDirection(request.Direction),
		Threshold:    threshold,
	}

	if rule.Kind == model.RuleKindTrade {
		quantity, err := decimal.NewFromString(request.Quantity)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid quantity"})
			return
		}
		rule.Side = model.TradeSide(request.Side)
		rule.Quantity = quantity
		rule.QuantityKind = model.QuantityKind(request.QuantityKind)
		if rule.QuantityKind == "" {
			rule.QuantityKind = model.QuantityUnits
		}
	}

	created, err := h.rules.CreateRule(c.Request.Context(), rule)
	if err != nil {
		h.logger.Error("Failed to create rule", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create rule"})
		return
	}

	// Pull the feed set up to date right away instead of waiting a tick.
	if h.symbolSet != nil {
		if err := h.symbolSet.Reconcile(c.Request.Context()); err != nil {
			h.logger.Warn("Symbol-set reconcile after rule create failed", zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, created)
}

// ListRules lists a user's active rules
// GET /api/v1/rules?user_id=
func (h *RuleHandler) ListRules(c *gin.Context) {
	userID, err := strconv.Atoi(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	rules, err := h.rules.GetActiveRulesByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list rules", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rules"})
		return
	}
	c.JSON(http.StatusOK, rules)
}

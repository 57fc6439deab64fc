package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/service"
)

// SubscriptionHandler manages live notification subscriptions
type SubscriptionHandler struct {
	registry *service.SubscriptionRegistry
	logger   *zap.Logger
}

// NewSubscriptionHandler creates a new subscription handler
func NewSubscriptionHandler(registry *service.SubscriptionRegistry, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{registry: registry, logger: logger}
}

// CreateSubscription registers a live session for a user
// POST /api/v1/subscriptions
func (h *SubscriptionHandler) CreateSubscription(c *gin.Context) {
	var request struct {
		UserID int `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := h.registry.Create(request.UserID)
	h.logger.Info("Subscription created",
		zap.String("subscription_id", sub.ID),
		zap.Int("user_id", sub.UserID))
	c.JSON(http.StatusCreated, sub)
}

// DeleteSubscription drops a live session
// DELETE /api/v1/subscriptions/:id
func (h *SubscriptionHandler) DeleteSubscription(c *gin.Context) {
	if !h.registry.Remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Subscription removed"})
}

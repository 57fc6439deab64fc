package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/service"
)

// BackfillHandler handles backfill job HTTP requests
type BackfillHandler struct {
	backfillService *service.BackfillService
	logger          *zap.Logger
}

// NewBackfillHandler creates a new backfill handler
func NewBackfillHandler(backfillService *service.BackfillService, logger *zap.Logger) *BackfillHandler {
	return &BackfillHandler{
		backfillService: backfillService,
		logger:          logger,
	}
}

// StartBackfill launches a historical download for a symbol
// POST /api/v1/backfills
func (h *BackfillHandler) StartBackfill(c *gin.Context) {
	var request struct {
		Symbol string     `json:"symbol" binding:"required"`
		From   *time.Time `json:"from"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.backfillService.StartBackfill(c.Request.Context(), request.Symbol, request.From)
	if err != nil {
		h.logger.Error("Failed to start backfill",
			zap.String("symbol", request.Symbol),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start backfill"})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// GetBackfill returns one job's status
// GET /api/v1/backfills/:id
func (h *BackfillHandler) GetBackfill(c *gin.Context) {
	job := h.backfillService.GetJob(c.Param("id"))
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Backfill job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListBackfills returns all jobs started this session
// GET /api/v1/backfills
func (h *BackfillHandler) ListBackfills(c *gin.Context) {
	c.JSON(http.StatusOK, h.backfillService.ListJobs())
}

// CancelBackfill stops a running job
// DELETE /api/v1/backfills/:id
func (h *BackfillHandler) CancelBackfill(c *gin.Context) {
	if !h.backfillService.CancelJob(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Backfill job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Backfill cancellation requested"})
}

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ez-programmer4/school-ledger/internal/models"
	"github.com/ez-programmer4/school-ledger/internal/service"
)

type DepositHandler struct {
	deposits *service.Deposits
	logger   *zap.Logger
}

func NewDepositHandler(deposits *service.Deposits, logger *zap.Logger) *DepositHandler {
	return &DepositHandler{deposits: deposits, logger: logger}
}

func (h *DepositHandler) Submit(c *gin.Context) {
	var req service.ManualDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	payment, err := h.deposits.SubmitManual(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("submitting manual deposit", zap.String("student_id", req.StudentID), zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"payment_id": payment.ID,
		"status":     payment.Status,
		"amount":     payment.Amount,
		"currency":   payment.Currency,
	})
}

type reviewRequest struct {
	Status models.PaymentStatus `json:"status" binding:"required"`
	Reason string               `json:"reason"`
}

func (h *DepositHandler) Review(c *gin.Context) {
	paymentID := c.Param("id")

	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var payment *models.Payment
	var err error
	switch req.Status {
	case models.PaymentApproved:
		payment, err = h.deposits.Approve(c.Request.Context(), paymentID)
	case models.PaymentRejected:
		payment, err = h.deposits.Reject(c.Request.Context(), paymentID, req.Reason)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be approved or rejected"})
		return
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"payment_id": payment.ID,
			"status":     payment.Status,
		})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
	case errors.Is(err, models.ErrPaymentNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "payment is already reviewed"})
	case errors.Is(err, models.ErrAllocationOverflow):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "deposit amount exceeds outstanding dues"})
	default:
		h.logger.Error("reviewing payment", zap.String("payment_id", paymentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to review payment"})
	}
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ez-programmer4/school-ledger/internal/models"
	"github.com/ez-programmer4/school-ledger/internal/service"
)

type CheckoutHandler struct {
	checkouts  *service.Checkouts
	reconciler *service.Reconciler
	logger     *zap.Logger
}

func NewCheckoutHandler(checkouts *service.Checkouts, reconciler *service.Reconciler, logger *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{checkouts: checkouts, reconciler: reconciler, logger: logger}
}

func (h *CheckoutHandler) Initiate(c *gin.Context) {
	var req service.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sess, err := h.checkouts.Initiate(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("initiating checkout", zap.String("student_id", req.StudentID), zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"tx_ref":   sess.TxRef,
		"gateway":  sess.Gateway,
		"intent":   sess.Intent,
		"amount":   sess.Amount,
		"currency": sess.Currency,
		"status":   sess.Status,
	})
}

func (h *CheckoutHandler) Status(c *gin.Context) {
	autoVerify := true
	if raw := c.Query("autoVerify"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			autoVerify = parsed
		}
	}

	query := service.StatusQuery{
		TxRef:      c.Query("txRef"),
		StudentID:  c.Query("studentId"),
		PackageID:  c.Query("packageId"),
		AutoVerify: autoVerify,
	}

	result, err := h.reconciler.Status(c.Request.Context(), query)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "checkout session not found"})
		return
	}
	if err != nil {
		h.logger.Error("reconciling checkout status", zap.String("tx_ref", query.TxRef), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve checkout status"})
		return
	}

	resp := gin.H{
		"status":   result.Session.Status,
		"provider": result.Session.Gateway,
		"amount":   result.Session.Amount,
		"currency": result.Session.Currency,
	}
	if result.RetryLater {
		resp["message"] = "pending, retry later"
	}
	if result.Payment != nil {
		resp["payment"] = paymentJSON(result.Payment)
	}
	if result.Subscription != nil {
		resp["subscription"] = subscriptionJSON(result.Subscription)
	}
	c.JSON(http.StatusOK, resp)
}

func paymentJSON(p *models.Payment) gin.H {
	return gin.H{
		"id":                p.ID,
		"student_id":        p.StudentID,
		"amount":            p.Amount,
		"status":            p.Status,
		"source":            p.Source,
		"gateway_reference": p.GatewayReference,
		"gateway_status":    p.GatewayStatus,
		"gateway_fee":       p.GatewayFee,
		"currency":          p.Currency,
	}
}

func subscriptionJSON(s *models.Subscription) gin.H {
	return gin.H{
		"id":                s.ID,
		"student_id":        s.StudentID,
		"package_id":        s.PackageID,
		"start_date":        s.StartDate,
		"end_date":          s.EndDate,
		"next_billing_date": s.NextBillingDate,
		"status":            s.Status,
	}
}

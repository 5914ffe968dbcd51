package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ez-programmer4/school-ledger/internal/gateway"
	"github.com/ez-programmer4/school-ledger/internal/metrics"
	"github.com/ez-programmer4/school-ledger/internal/models"
	"github.com/ez-programmer4/school-ledger/internal/service"
)

const webhookLockTTL = 30 * time.Second

// WebhookHandler receives asynchronous gateway pushes. Receipt is
// always acknowledged with 200 once the payload parses; a retrying
// gateway hitting an already-finalized session just gets the idempotent
// path.
type WebhookHandler struct {
	finalizer  *service.Finalizer
	reconciler *service.Reconciler
	locker     service.Locker
	logger     *zap.Logger
}

func NewWebhookHandler(finalizer *service.Finalizer, reconciler *service.Reconciler, locker service.Locker, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{finalizer: finalizer, reconciler: reconciler, locker: locker, logger: logger}
}

type webhookPayload struct {
	TxRef            string          `json:"txRef"`
	GatewayStatus    string          `json:"gatewayStatus"`
	GatewayReference string          `json:"gatewayReference"`
	Amount           decimal.Decimal `json:"amount"`
	Fee              decimal.Decimal `json:"fee"`
	Currency         string          `json:"currency"`
	RawPayload       json.RawMessage `json:"rawPayload"`
}

func (h *WebhookHandler) Receive(c *gin.Context) {
	gw := c.Param("gateway")
	metrics.WebhookReceivedTotal.WithLabelValues(gw).Inc()

	var payload webhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.TxRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}

	ctx := c.Request.Context()
	lockKey := "webhook:" + payload.TxRef
	if locked, err := h.locker.TryLock(ctx, lockKey, webhookLockTTL); err == nil && !locked {
		// A sibling delivery is already being processed; the gateway
		// may retry and will then hit the idempotent path.
		c.JSON(http.StatusOK, gin.H{"status": "duplicate", "txRef": payload.TxRef})
		return
	}
	defer h.locker.Unlock(ctx, lockKey)

	outcome, err := gateway.Normalize(gw, payload.GatewayStatus)
	if err != nil {
		h.logger.Warn("unrecognized webhook status",
			zap.String("gateway", gw),
			zap.String("tx_ref", payload.TxRef),
			zap.String("raw_status", payload.GatewayStatus),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized gateway status"})
		return
	}

	if outcome == models.OutcomePending {
		// Not a terminal push; schedule a verification instead of
		// failing the transaction.
		if err := h.reconciler.Enqueue(ctx, payload.TxRef); err != nil {
			h.logger.Error("scheduling reconciliation", zap.String("tx_ref", payload.TxRef), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"status": "pending", "txRef": payload.TxRef})
		return
	}

	result, err := h.finalizer.Finalize(ctx, payload.TxRef, models.GatewayResult{
		Outcome:   outcome,
		Reference: payload.GatewayReference,
		RawStatus: payload.GatewayStatus,
		Amount:    payload.Amount,
		Fee:       payload.Fee,
		Currency:  payload.Currency,
	}, models.SourceGatewayPush)

	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"status":           result.Session.Status,
			"txRef":            payload.TxRef,
			"alreadyFinalized": result.AlreadyFinalized,
		})

	case errors.Is(err, models.ErrNotFound):
		// Ack unknown references to stop gateway retry storms; log for
		// investigation.
		h.logger.Warn("webhook for unknown transaction",
			zap.String("gateway", gw),
			zap.String("tx_ref", payload.TxRef),
		)
		c.JSON(http.StatusOK, gin.H{"status": "unknown", "txRef": payload.TxRef})

	case isFlagged(err):
		c.JSON(http.StatusOK, gin.H{"status": models.SessionFailed, "txRef": payload.TxRef, "flagged": true})

	default:
		h.logger.Error("finalizing webhook", zap.String("tx_ref", payload.TxRef), zap.Error(err))
		if qerr := h.reconciler.Enqueue(ctx, payload.TxRef); qerr != nil {
			h.logger.Error("scheduling reconciliation", zap.String("tx_ref", payload.TxRef), zap.Error(qerr))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process webhook"})
	}
}

func isFlagged(err error) bool {
	var mismatch *models.AmountMismatchError
	return errors.As(err, &mismatch) || errors.Is(err, models.ErrAllocationOverflow)
}

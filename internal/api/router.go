package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ez-programmer4/school-ledger/internal/handlers"
	"github.com/ez-programmer4/school-ledger/internal/telemetry"
)

func NewRouter(checkout *handlers.CheckoutHandler, webhook *handlers.WebhookHandler, deposit *handlers.DepositHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "school-ledger"})
	})

	r.POST("/checkout/initiate", checkout.Initiate)
	r.GET("/checkout/status", checkout.Status)

	r.POST("/webhooks/:gateway", webhook.Receive)

	r.POST("/deposits", deposit.Submit)
	r.PUT("/payments/:id/review", deposit.Review)

	return r
}

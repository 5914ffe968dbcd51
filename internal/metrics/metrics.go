// Package metrics holds the service's Prometheus collectors, exposed
// on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FinalizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finalizations_total",
		Help: "Checkout finalizations by intent and outcome.",
	}, []string{"intent", "outcome"})

	GatewayVerifyErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_verify_errors_total",
		Help: "Gateway verification failures by kind.",
	}, []string{"gateway", "kind"})

	AllocationOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "allocation_overflow_total",
		Help: "Operations rejected because the amount exceeded outstanding dues.",
	})

	WebhookReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_received_total",
		Help: "Gateway push receipts by gateway.",
	}, []string{"gateway"})
)

// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shulehub_gateway_webhooks_processed_total",
		Help: "Gateway webhooks accepted and applied to the ledger.",
	}, []string{"provider"})

	WebhooksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shulehub_gateway_webhooks_rejected_total",
		Help: "Gateway webhooks rejected before processing.",
	}, []string{"provider", "reason"})

	WebhooksReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shulehub_gateway_webhooks_replayed_total",
		Help: "Gateway webhooks dropped as duplicates of an accepted event.",
	}, []string{"provider"})

	AllocationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shulehub_allocations_applied_total",
		Help: "Payment allocations by outcome.",
	}, []string{"outcome"})

	InvoicesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shulehub_invoices_generated_total",
		Help: "Invoices created, individually or via bulk generation.",
	})
)

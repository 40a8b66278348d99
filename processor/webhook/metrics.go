package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergeflow_webhook_deliveries_accepted_total",
		Help: "Webhook deliveries normalized and published.",
	})

	deliveriesIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergeflow_webhook_deliveries_ignored_total",
		Help: "Webhook deliveries acknowledged but not consumed.",
	})

	deliveriesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergeflow_webhook_deliveries_rejected_total",
		Help: "Webhook deliveries rejected for signature mismatch.",
	})

	deliveriesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergeflow_webhook_deliveries_failed_total",
		Help: "Webhook deliveries that failed to publish.",
	})
)

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergeflow_events_received_total",
		Help: "Forge events consumed from the pipeline stream.",
	})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergeflow_events_dropped_total",
		Help: "Events dropped without a state change, by reason.",
	}, []string{"reason"})

	transitionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergeflow_transitions_total",
		Help: "Stage transitions committed, by resulting stage.",
	}, []string{"stage"})

	remediationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergeflow_remediations_total",
		Help: "Remediation cycles started.",
	})

	escalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergeflow_escalations_total",
		Help: "Tasks escalated after exhausting the remediation budget.",
	})

	downstreamCancels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergeflow_downstream_cancels_total",
		Help: "Downstream agent runs canceled by push-driven resets.",
	})

	processingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergeflow_processing_errors_total",
		Help: "Events that failed processing after retries.",
	})
)

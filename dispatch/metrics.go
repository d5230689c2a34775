package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybox_claim_batches_total",
		Help: "Total number of non-empty claim batches processed",
	})

	eventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybox_events_published_total",
		Help: "Total number of outbox events published and settled as sent",
	})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybox_publish_failures_total",
		Help: "Total number of publish attempts that returned an error",
	})

	eventsDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybox_events_dead_total",
		Help: "Total number of outbox events dead-lettered after exhausting retries",
	})

	cycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybox_dispatch_cycle_errors_total",
		Help: "Total number of dispatch loop iterations that failed unexpectedly",
	})
)

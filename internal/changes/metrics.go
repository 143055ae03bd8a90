package changes

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sourceChangeLog  = "changelog"
	sourceDispatcher = "dispatcher"
	sourceKafka      = "kafka"

	outcomeHandled  = "handled"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
)

var (
	// EventsHandled counts change events by source and outcome.
	EventsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recipestats_change_events_total",
			Help: "Total number of review change events delivered to the stats handler",
		},
		[]string{"source", "outcome"},
	)

	// EventsDropped counts events the in-process dispatcher could not buffer.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recipestats_dispatcher_dropped_total",
			Help: "Total number of change events dropped because a subscriber buffer was full",
		},
	)

	// EventsDeadLettered counts events published to a dead-letter topic.
	EventsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recipestats_change_events_dead_lettered_total",
			Help: "Total number of change events published to a dead-letter topic",
		},
		[]string{"source"},
	)
)

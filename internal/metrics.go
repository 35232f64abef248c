package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shared monitor metrics.
var (
	MonitorEventsCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirwatch",
		Subsystem: "monitor",
		Name:      "events_total",
		Help:      "The number of change events delivered",
	}, []string{"backend"})

	MonitorOverflowsCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirwatch",
		Subsystem: "monitor",
		Name:      "overflows_total",
		Help:      "The number of change buffer overflows",
	}, []string{"backend"})

	MonitorRestartsCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirwatch",
		Subsystem: "monitor",
		Name:      "session_restarts_total",
		Help:      "The number of watch sessions torn down and recreated",
	}, []string{"backend"})

	MonitorTickDurationVec = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dirwatch",
		Subsystem: "monitor",
		Name:      "tick_duration_seconds",
		Help:      "The time spent processing one tick over all watched paths",
	}, []string{"backend"})
)

// Shared sink metrics.
var (
	SinkEventsCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirwatch",
		Subsystem: "sink",
		Name:      "events_total",
		Help:      "The number of events handed to each sink",
	}, []string{"sink"})

	SinkErrorsCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirwatch",
		Subsystem: "sink",
		Name:      "errors_total",
		Help:      "The number of sink delivery failures",
	}, []string{"sink"})
)

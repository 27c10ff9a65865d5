package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runstat"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "commands_total",
			Help:      "Number of start/stop commands by outcome.",
		}, []string{"service", "command", "result"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "command_duration_seconds",
			Help:      "Time spent in the runtime start/stop RPC.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "command"},
	)
	lifecycleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "container",
			Name:      "lifecycle_events_total",
			Help:      "Number of container lifecycle events applied, by action.",
		}, []string{"action"},
	)
	statsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "container",
			Name:      "stats_dropped_total",
			Help:      "Number of stats samples discarded, by reason.",
		}, []string{"reason"},
	)
	streamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "event_stream_reconnects_total",
			Help:      "Number of times the lifecycle event stream was re-established.",
		},
	)
	historyDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "events_dropped_total",
			Help:      "Number of history events discarded because the export queue was full.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{commands, commandDuration, lifecycleEvents, statsDropped, streamReconnects, historyDropped}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCommand(service, command, result string) {
	if regOK.Load() {
		commands.WithLabelValues(service, command, result).Inc()
	}
}

func ObserveCommandDuration(service, command string, seconds float64) {
	if regOK.Load() {
		commandDuration.WithLabelValues(service, command).Observe(seconds)
	}
}

func IncLifecycleEvent(action string) {
	if regOK.Load() {
		lifecycleEvents.WithLabelValues(action).Inc()
	}
}

func IncStatsDropped(reason string) {
	if regOK.Load() {
		statsDropped.WithLabelValues(reason).Inc()
	}
}

func IncStreamReconnect() {
	if regOK.Load() {
		streamReconnects.Inc()
	}
}

func IncHistoryDropped() {
	if regOK.Load() {
		historyDropped.Inc()
	}
}

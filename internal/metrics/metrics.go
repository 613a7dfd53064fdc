// Package metrics defines the gateway's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the gateway records. A single instance is
// created in main and handed to the components that record into it.
type Metrics struct {
	Registry *prometheus.Registry

	TurnsTotal         *prometheus.CounterVec
	TurnRetriesTotal   prometheus.Counter
	TurnDuration       prometheus.Histogram
	QueueLength        prometheus.Gauge
	QueueDropsTotal    prometheus.Counter
	SessionBusy        prometheus.Gauge
	SessionResetsTotal *prometheus.CounterVec
	SchedulesFired     *prometheus.CounterVec
	HeartbeatsTotal    *prometheus.CounterVec
}

// New creates the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mobyclaw_turns_total",
			Help: "Completed turns by outcome.",
		}, []string{"outcome"}),
		TurnRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mobyclaw_turn_retries_total",
			Help: "Turns retried after a session-class error.",
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mobyclaw_turn_duration_seconds",
			Help:    "Wall time per turn.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mobyclaw_queue_length",
			Help: "Entries currently waiting in the session queue.",
		}),
		QueueDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mobyclaw_queue_drops_total",
			Help: "Queue entries dropped due to overflow.",
		}),
		SessionBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mobyclaw_session_busy",
			Help: "1 while a turn is in flight on the shared session.",
		}),
		SessionResetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mobyclaw_session_resets_total",
			Help: "Session rotations by reason.",
		}, []string{"reason"}),
		SchedulesFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mobyclaw_schedules_fired_total",
			Help: "Scheduled deliveries by outcome.",
		}, []string{"outcome"}),
		HeartbeatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mobyclaw_heartbeats_total",
			Help: "Heartbeat ticks by outcome.",
		}, []string{"outcome"}),
	}
}

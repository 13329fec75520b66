// Package metrics exposes the server's Prometheus instrumentation:
// per-driver permit usage, per-tuner packet/signal readings, preemption
// counts, and per-session bytes streamed. The label-keyed gauge/counter
// struct populated via WithLabelValues is grounded on the
// daemon-pool.go DriverPool metrics struct pattern in other_examples
// (driversRunning/driversSpawned-style vectors keyed by label set).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the server publishes.
type Registry struct {
	PermitsInUse     *prometheus.GaugeVec
	PermitsMax       *prometheus.GaugeVec
	PacketsReceived  *prometheus.CounterVec
	SignalLevel      *prometheus.GaugeVec
	Preemptions      prometheus.Counter
	SessionBytesSent *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
	ActiveSessions   prometheus.Gauge
}

// New registers and returns the full metric set against reg. Pass
// prometheus.NewRegistry() for isolated tests, or
// prometheus.DefaultRegisterer's registry in production.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		PermitsInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bonproxy",
			Subsystem: "pool",
			Name:      "permits_in_use",
			Help:      "Tuner capacity permits currently held, per driver.",
		}, []string{"driver_id"}),
		PermitsMax: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bonproxy",
			Subsystem: "pool",
			Name:      "permits_max",
			Help:      "Configured max_instances, per driver.",
		}, []string{"driver_id"}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bonproxy",
			Subsystem: "sharedtuner",
			Name:      "packets_received_total",
			Help:      "Read chunks broadcast by a Shared Tuner's reader loop.",
		}, []string{"driver_id", "channel"}),
		SignalLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bonproxy",
			Subsystem: "sharedtuner",
			Name:      "signal_level",
			Help:      "Most recently sampled signal level, per live tuner.",
		}, []string{"driver_id", "channel"}),
		Preemptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bonproxy",
			Subsystem: "pool",
			Name:      "preemptions_total",
			Help:      "Number of times the pool preempted a lower-priority tuner.",
		}),
		SessionBytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bonproxy",
			Subsystem: "session",
			Name:      "bytes_sent_total",
			Help:      "StreamData bytes written to a session's transport.",
		}, []string{"session_id"}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bonproxy",
			Subsystem: "scanscheduler",
			Name:      "scan_duration_seconds",
			Help:      "Wall time of one driver's active scan.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bonproxy",
			Subsystem: "session",
			Name:      "active_sessions",
			Help:      "Client sessions currently connected.",
		}),
	}
}

// DriverLabel formats a driver id as the "driver_id" label value.
func DriverLabel(driverID int64) string {
	return strconv.FormatInt(driverID, 10)
}

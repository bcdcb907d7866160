package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "showlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"instance", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "showlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"instance", "method", "path", "status"},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "showlink",
			Subsystem: "connector",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		},
		[]string{"instance", "state"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "showlink",
			Subsystem: "connector",
			Name:      "reconnects_total",
			Help:      "Transitions into reconnecting, by reason.",
		},
		[]string{"instance", "reason"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "showlink",
			Subsystem: "connector",
			Name:      "commands_total",
			Help:      "Commands sent to the server, by outcome.",
		},
		[]string{"instance", "bundle", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "showlink",
			Subsystem: "connector",
			Name:      "command_duration_seconds",
			Help:      "Time from dispatch to settlement.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"instance", "bundle", "outcome"},
	)
	replicantUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "showlink",
			Subsystem: "connector",
			Name:      "replicant_updates_total",
			Help:      "Replicant value pushes applied to the store.",
		},
		[]string{"instance", "bundle"},
	)
	bundleVerdict = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "showlink",
			Subsystem: "connector",
			Name:      "bundle_verdict",
			Help:      "1 for the current verdict of each declared bundle, 0 otherwise.",
		},
		[]string{"instance", "bundle", "verdict"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			connectionState,
			reconnects,
			commands,
			commandDuration,
			replicantUpdates,
			bundleVerdict,
		)
	})
}

func RecordHTTPRequest(instance, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(instance, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(instance, method, path, statusLabel).Observe(duration.Seconds())
}

// SetConnectionState marks current as 1 and every other name in all as 0.
func SetConnectionState(instance, current string, all []string) {
	RegisterMetrics()
	for _, name := range all {
		v := 0.0
		if name == current {
			v = 1
		}
		connectionState.WithLabelValues(instance, name).Set(v)
	}
}

func RecordReconnect(instance, reason string) {
	RegisterMetrics()
	reconnects.WithLabelValues(instance, reason).Inc()
}

func RecordCommand(instance, bundle, outcome string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(instance, bundle, outcome).Inc()
	commandDuration.WithLabelValues(instance, bundle, outcome).Observe(duration.Seconds())
}

func RecordReplicantUpdate(instance, bundle string) {
	RegisterMetrics()
	replicantUpdates.WithLabelValues(instance, bundle).Inc()
}

// SetBundleVerdict marks current as 1 and every other verdict in all as 0.
func SetBundleVerdict(instance, bundle, current string, all []string) {
	RegisterMetrics()
	for _, name := range all {
		v := 0.0
		if name == current {
			v = 1
		}
		bundleVerdict.WithLabelValues(instance, bundle, name).Set(v)
	}
}

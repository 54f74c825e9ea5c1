package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionbridge",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session lifecycle transitions by target status.",
		},
		[]string{"to"},
	)
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionbridge",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Correlated calls by outcome.",
		},
		[]string{"outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessionbridge",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Time from sending a command to its settlement.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	hostCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionbridge",
			Subsystem: "host",
			Name:      "commands_total",
			Help:      "Commands served by the bridge host.",
		},
		[]string{"path", "success"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionbridge",
			Subsystem: "envelope",
			Name:      "decode_errors_total",
			Help:      "Chunks dropped because they could not be decoded.",
		},
		[]string{"channel"},
	)
	terminals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessionbridge",
			Subsystem: "terminal",
			Name:      "active",
			Help:      "Terminal processes currently attached to a transport.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionTransitions, calls, callDuration, hostCommands, decodeErrors, terminals)
	})
}

func RecordTransition(to string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(to).Inc()
}

func RecordCall(outcome string, duration time.Duration) {
	RegisterMetrics()
	calls.WithLabelValues(outcome).Inc()
	callDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordHostCommand(path string, success bool) {
	RegisterMetrics()
	label := "false"
	if success {
		label = "true"
	}
	hostCommands.WithLabelValues(path, label).Inc()
}

func RecordDecodeError(channel string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(channel).Inc()
}

func TerminalStarted() {
	RegisterMetrics()
	terminals.Inc()
}

func TerminalStopped() {
	RegisterMetrics()
	terminals.Dec()
}

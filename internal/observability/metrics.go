// Package observability holds the Prometheus collectors shared by the chain
// client, the session engine and the HTTP layer.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loopbot"

// LoopMetrics groups every collector exported by the process.
type LoopMetrics struct {
	rpcCalls     *prometheus.CounterVec
	rpcLatency   *prometheus.HistogramVec
	events       *prometheus.CounterVec
	polls        *prometheus.CounterVec
	resubscribes *prometheus.CounterVec
	commands     *prometheus.CounterVec
	ltv          *prometheus.GaugeVec
	iterations   *prometheus.GaugeVec
	stops        *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

var (
	loopMetricsOnce sync.Once
	loopRegistry    *LoopMetrics
)

// Loop returns the lazily-initialised metrics registry.
func Loop() *LoopMetrics {
	loopMetricsOnce.Do(func() {
		loopRegistry = &LoopMetrics{
			rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "JSON-RPC calls segmented by chain, method and outcome.",
			}, []string{"chain", "method", "outcome"}),
			rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "Latency of JSON-RPC calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"chain", "method"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "events_total",
				Help:      "Automation account events applied to a session, by kind.",
			}, []string{"kind"}),
			polls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "reads_total",
				Help:      "Position reads by outcome (ok, retried, missed).",
			}, []string{"outcome"}),
			resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "resubscribes_total",
				Help:      "Log subscription attempts by outcome.",
			}, []string{"outcome"}),
			commands: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "commands_total",
				Help:      "User commands by name and outcome.",
			}, []string{"command", "outcome"}),
			ltv: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "ltv_bps",
				Help:      "Latest loan-to-value of the automation account in basis points.",
			}, []string{"account"}),
			iterations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "iterations",
				Help:      "Loop iterations observed in the current session.",
			}, []string{"account"}),
			stops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "stops_total",
				Help:      "Loop stops by reason.",
			}, []string{"reason"}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route, method and status.",
			}, []string{"route", "method", "status"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			loopRegistry.rpcCalls,
			loopRegistry.rpcLatency,
			loopRegistry.events,
			loopRegistry.polls,
			loopRegistry.resubscribes,
			loopRegistry.commands,
			loopRegistry.ltv,
			loopRegistry.iterations,
			loopRegistry.stops,
			loopRegistry.httpRequests,
			loopRegistry.httpLatency,
		)
	})
	return loopRegistry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveRPC records one JSON-RPC call.
func (m *LoopMetrics) ObserveRPC(chain, method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(chain, method, outcome(err)).Inc()
	m.rpcLatency.WithLabelValues(chain, method).Observe(d.Seconds())
}

// RecordEvent counts an applied chain event.
func (m *LoopMetrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// RecordPoll counts a position read outcome.
func (m *LoopMetrics) RecordPoll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

// RecordResubscribe counts a subscription attempt.
func (m *LoopMetrics) RecordResubscribe(err error) {
	if m == nil {
		return
	}
	m.resubscribes.WithLabelValues(outcome(err)).Inc()
}

// RecordCommand counts a user command.
func (m *LoopMetrics) RecordCommand(command string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome(err)).Inc()
}

// SetPosition updates the per-account gauges.
func (m *LoopMetrics) SetPosition(account string, ltvBps int64, iterations int) {
	if m == nil {
		return
	}
	m.ltv.WithLabelValues(account).Set(float64(ltvBps))
	m.iterations.WithLabelValues(account).Set(float64(iterations))
}

// RecordStop counts a loop stop.
func (m *LoopMetrics) RecordStop(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.stops.WithLabelValues(reason).Inc()
}

// ObserveHTTP records a served request.
func (m *LoopMetrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(d.Seconds())
}

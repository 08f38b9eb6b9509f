// ABOUTME: Prometheus collectors for link state, tasks, tool calls and sessions.
// ABOUTME: Registration reuses collectors that are already registered.

package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pilot_gateway"

// Metrics holds the gateway's collectors.
type Metrics struct {
	linkState    *prometheus.GaugeVec
	linkRetries  prometheus.Counter
	linkBackoff  prometheus.Histogram
	tasksActive  prometheus.Gauge
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	taskEvents   *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	sessions     *prometheus.GaugeVec

	mu        sync.Mutex
	lastState string
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers the collectors with reg and panics on any error other
// than a collector that is already registered, which is reused. Tests pass
// a fresh prometheus.NewRegistry().
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Metrics{
		linkState: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "state",
			Help:      "1 for the upstream link's current state, 0 otherwise.",
		}, []string{"state"})),
		linkRetries: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled for the upstream link.",
		})),
		linkBackoff: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "backoff_seconds",
			Help:      "Delay before each reconnect attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		})),
		tasksActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "active",
			Help:      "Tasks that have not reached a terminal status.",
		})),
		tasksTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"})),
		taskDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Time from submission to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"status"})),
		taskEvents: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "events_total",
			Help:      "Client-visible events published, by type.",
		}, []string{"type"})),
		toolCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool calls by tool and result code (ok on success).",
		}, []string{"tool", "code"})),
		toolDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "call_duration_seconds",
			Help:      "Tool call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"})),
		sessions: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "by_state",
			Help:      "Remote-control sessions per state.",
		}, []string{"state"})),
	}
}

// register adds c to reg, or returns the collector already registered
// under the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// SetLinkState marks state as the link's current state.
func (m *Metrics) SetLinkState(state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastState != "" {
		m.linkState.WithLabelValues(m.lastState).Set(0)
	}
	m.linkState.WithLabelValues(state).Set(1)
	m.lastState = state
}

// ObserveReconnect records one scheduled reconnect and its delay.
func (m *Metrics) ObserveReconnect(delay time.Duration) {
	if m == nil {
		return
	}
	m.linkRetries.Inc()
	m.linkBackoff.Observe(delay.Seconds())
}

// TaskStarted counts a newly submitted task as active.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

// TaskFinished records a task's terminal status and total duration.
func (m *Metrics) TaskFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.tasksTotal.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// IncTaskEvent counts one published event.
func (m *Metrics) IncTaskEvent(eventType string) {
	if m == nil {
		return
	}
	m.taskEvents.WithLabelValues(eventType).Inc()
}

// ObserveToolCall records a finished tool call. An empty code means success.
func (m *Metrics) ObserveToolCall(tool, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.toolCalls.WithLabelValues(tool, code).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// SessionTransition moves one session between state gauges. Disconnected
// sessions are not counted.
func (m *Metrics) SessionTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" && from != "disconnected" {
		m.sessions.WithLabelValues(from).Dec()
	}
	if to != "" && to != "disconnected" {
		m.sessions.WithLabelValues(to).Inc()
	}
}

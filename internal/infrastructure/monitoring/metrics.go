package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. Each instance registers on its own
// registry so several orchestrators (and tests) can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Reactor metrics
	Messages        *prometheus.CounterVec
	MessageDuration *prometheus.HistogramVec
	StaleMessages   *prometheus.CounterVec

	// Navigation metrics
	Navigations *prometheus.CounterVec
	Traversals  prometheus.Counter

	// Registry metrics
	TopLevels  prometheus.Gauge
	Contexts   prometheus.Gauge
	Pipelines  *prometheus.GaugeVec
	EventLoops prometheus.Gauge

	// Failure metrics
	Crashes      prometheus.Counter
	Hangs        prometheus.Counter
	SpawnFailure prometheus.Counter

	// Timer metrics
	TimersScheduled prometheus.Counter
	TimersFired     *prometheus.CounterVec

	// Network metrics
	Fetches *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	TotalMessages   int64   `json:"total_messages"`
	StaleMessages   int64   `json:"stale_messages"`
	Crashes         int64   `json:"crashes"`
	ActivePipelines int64   `json:"active_pipelines"`
	FrozenPipelines int64   `json:"frozen_pipelines"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector on a fresh registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith creates a metrics collector registered on reg.
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		Registry:  reg,
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_http_requests_total",
				Help: "Total number of embedder API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "constellation_http_request_duration_seconds",
				Help:    "Embedder API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		// Reactor metrics
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_messages_total",
				Help: "Total number of messages handled by the orchestrator",
			},
			[]string{"kind"},
		),
		MessageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "constellation_message_duration_seconds",
				Help:    "Time spent handling one message",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
			[]string{"kind"},
		),
		StaleMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_stale_messages_total",
				Help: "Messages dropped because their target no longer exists",
			},
			[]string{"kind"},
		),

		// Navigation metrics
		Navigations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_navigations_total",
				Help: "Navigation attempts by outcome",
			},
			[]string{"result"},
		),
		Traversals: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "constellation_traversals_total",
				Help: "Total number of session history traversals",
			},
		),

		// Registry metrics
		TopLevels: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "constellation_top_levels",
				Help: "Number of open tabs",
			},
		),
		Contexts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "constellation_browsing_contexts",
				Help: "Number of live browsing contexts",
			},
		),
		Pipelines: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "constellation_pipelines",
				Help: "Number of pipelines by state",
			},
			[]string{"state"},
		),
		EventLoops: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "constellation_event_loops",
				Help: "Number of live content event loops",
			},
		),

		// Failure metrics
		Crashes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "constellation_crashes_total",
				Help: "Total number of content event loop crashes",
			},
		),
		Hangs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "constellation_hangs_total",
				Help: "Total number of hung pipelines reported by the watchdog",
			},
		),
		SpawnFailure: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "constellation_spawn_failures_total",
				Help: "Total number of event loops that failed to launch",
			},
		),

		// Timer metrics
		TimersScheduled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "constellation_timers_scheduled_total",
				Help: "Total number of timers scheduled",
			},
		),
		TimersFired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_timers_fired_total",
				Help: "Timer fires by disposition",
			},
			[]string{"disposition"},
		),

		// Network metrics
		Fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_fetches_total",
				Help: "Document fetches by outcome",
			},
			[]string{"outcome"},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "constellation_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "constellation_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "constellation_uptime_seconds",
			Help: "Orchestrator uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordMessage records one handled orchestrator message
func (m *Metrics) RecordMessage(kind string, duration time.Duration) {
	m.Messages.WithLabelValues(kind).Inc()
	m.MessageDuration.WithLabelValues(kind).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalMessages++
	m.mu.Unlock()
}

// RecordStale records a message dropped for referring to a vanished target
func (m *Metrics) RecordStale(kind string) {
	m.StaleMessages.WithLabelValues(kind).Inc()

	m.mu.Lock()
	m.snapshot.StaleMessages++
	m.mu.Unlock()
}

// RecordNavigation records a navigation outcome
func (m *Metrics) RecordNavigation(result string) {
	m.Navigations.WithLabelValues(result).Inc()
}

// IncTraversals increments the traversal counter
func (m *Metrics) IncTraversals() {
	m.Traversals.Inc()
}

// IncCrashes increments the crash counter
func (m *Metrics) IncCrashes() {
	m.Crashes.Inc()

	m.mu.Lock()
	m.snapshot.Crashes++
	m.mu.Unlock()
}

// IncHangs increments the hang counter
func (m *Metrics) IncHangs() {
	m.Hangs.Inc()
}

// IncSpawnFailures increments the launch failure counter
func (m *Metrics) IncSpawnFailures() {
	m.SpawnFailure.Inc()
}

// IncTimersScheduled increments the scheduled timer counter
func (m *Metrics) IncTimersScheduled() {
	m.TimersScheduled.Inc()
}

// RecordTimerFire records a timer fire as "delivered", "held" or "stale"
func (m *Metrics) RecordTimerFire(disposition string) {
	m.TimersFired.WithLabelValues(disposition).Inc()
}

// RecordFetch records a document fetch outcome
func (m *Metrics) RecordFetch(outcome string) {
	m.Fetches.WithLabelValues(outcome).Inc()
}

// SetRegistrySizes publishes the orchestrator's table sizes
func (m *Metrics) SetRegistrySizes(topLevels, contexts, eventLoops int, pipelines map[string]int) {
	m.TopLevels.Set(float64(topLevels))
	m.Contexts.Set(float64(contexts))
	m.EventLoops.Set(float64(eventLoops))
	for state, n := range pipelines {
		m.Pipelines.WithLabelValues(state).Set(float64(n))
	}

	m.mu.Lock()
	m.snapshot.ActivePipelines = int64(pipelines["active"])
	m.snapshot.FrozenPipelines = int64(pipelines["frozen"])
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// Snapshot returns the current values for the JSON API
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// Every method is safe to call on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry
	dispatch *dispatchWindow

	StateTransitions   *prometheus.CounterVec
	InvalidTransitions *prometheus.CounterVec
	BusEvents          *prometheus.CounterVec
	BusHandlerErrors   *prometheus.CounterVec
	ActiveClients      prometheus.Gauge
	WSMessages         *prometheus.CounterVec
	WSSendFailures     prometheus.Counter
	RunningJobs        prometheus.Gauge
	JobAttempts        prometheus.Counter
	JobRetries         *prometheus.CounterVec
	JobOutcomes        *prometheus.CounterVec
	JobDuration        prometheus.Histogram
	KillEscalations    *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		dispatch: newDispatchWindow(512),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Applied task state transitions by source and target state.",
		}, []string{"from", "to"}),
		InvalidTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_invalid_transitions_total",
			Help:      "Rejected task state transitions by target state.",
		}, []string{"to"}),
		BusEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Events dispatched by the event bus by type.",
		}, []string{"type"}),
		BusHandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_errors_total",
			Help:      "Event handler failures by event type.",
		}, []string{"type"}),
		ActiveClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_active_clients",
			Help:      "Number of subscribed websocket clients.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSSendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_send_failures_total",
			Help:      "WebSocket sends that failed and removed the client.",
		}),
		RunningJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Number of supervised job processes currently running.",
		}),
		JobAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Subprocess launch attempts.",
		}),
		JobRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Job retries by failure class.",
		}, []string{"class"}),
		JobOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Finished supervised runs by outcome.",
		}, []string{"outcome"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of supervised runs in seconds.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		KillEscalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kill_escalations_total",
			Help:      "Process teardown steps taken by stage.",
		}, []string{"stage"}),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveInvalidTransition(to string) {
	if m == nil {
		return
	}
	m.InvalidTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveBusEvent(eventType string) {
	if m == nil {
		return
	}
	m.BusEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveHandlerError(eventType string) {
	if m == nil {
		return
	}
	m.BusHandlerErrors.WithLabelValues(eventType).Inc()
	m.dispatch.ObserveIndicator("handler_error")
}

// ObserveDispatchLatency records enqueue-to-delivered time for one event.
func (m *Metrics) ObserveDispatchLatency(eventType string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.Observe(eventType, float64(d.Microseconds())/1000)
}

func (m *Metrics) SnapshotDispatch() DispatchSnapshot {
	if m == nil {
		return DispatchSnapshot{GeneratedAt: time.Now().UTC(), Events: []DispatchStats{}}
	}
	return m.dispatch.Snapshot()
}

func (m *Metrics) SetActiveClients(n int) {
	if m == nil {
		return
	}
	m.ActiveClients.Set(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveWSSendFailure() {
	if m == nil {
		return
	}
	m.WSSendFailures.Inc()
	m.dispatch.ObserveIndicator("ws_send_failure")
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.RunningJobs.Inc()
}

func (m *Metrics) JobFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunningJobs.Dec()
	m.JobOutcomes.WithLabelValues(outcome).Inc()
	m.JobDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveAttempt() {
	if m == nil {
		return
	}
	m.JobAttempts.Inc()
}

func (m *Metrics) ObserveRetry(class string) {
	if m == nil {
		return
	}
	m.JobRetries.WithLabelValues(class).Inc()
}

func (m *Metrics) ObserveKillStage(stage string) {
	if m == nil {
		return
	}
	m.KillEscalations.WithLabelValues(stage).Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

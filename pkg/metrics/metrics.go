// Package metrics defines the Prometheus collectors of the engine and helpers that
// keep label sets consistent. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "durable"

type Metrics struct {
	// StepExecutions counts step computes.
	// Labels: function_id, outcome (succeeded/retry/failed/replayed)
	StepExecutions *prometheus.CounterVec

	// StepDuration observes compute time in seconds.
	// Labels: function_id
	StepDuration *prometheus.HistogramVec

	// RunTransitions counts committed run transitions.
	// Labels: function_id, status
	RunTransitions *prometheus.CounterVec

	// RunsCreated counts runs created by the dispatcher.
	// Labels: function_id
	RunsCreated *prometheus.CounterVec

	// AdmissionActive and AdmissionWaiting mirror the admission controller.
	// Labels: function_id
	AdmissionActive  *prometheus.GaugeVec
	AdmissionWaiting *prometheus.GaugeVec

	// TimersFired counts wakes turned into work items.
	// Labels: kind
	TimersFired *prometheus.CounterVec

	// TimerLateness observes how long after its fire time a wake was enqueued.
	TimerLateness prometheus.Histogram

	// EventsIngested counts events accepted by the emitter.
	EventsIngested prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StepExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "step_executions_total",
				Help:      "Step computes by outcome",
			},
			[]string{"function_id", "outcome"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "step_duration_seconds",
				Help:      "Step compute duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"function_id"},
		),
		RunTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "run_transitions_total",
				Help:      "Committed run transitions by target status",
			},
			[]string{"function_id", "status"},
		),
		RunsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "runs_created_total",
				Help:      "Runs created from dispatched events",
			},
			[]string{"function_id"},
		),
		AdmissionActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "admission_active",
				Help:      "Steps holding a concurrency slot",
			},
			[]string{"function_id"},
		),
		AdmissionWaiting: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "admission_waiting",
				Help:      "Steps waiting on a concurrency or throttle gate",
			},
			[]string{"function_id"},
		),
		TimersFired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "timers_fired_total",
				Help:      "Durable wakes turned into work items",
			},
			[]string{"kind"},
		),
		TimerLateness: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "timer_lateness_seconds",
				Help:      "Delay between a wake's fire time and its enqueue",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		EventsIngested: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "events_ingested_total",
				Help:      "Events accepted for dispatch",
			},
		),
	}
}

func (m *Metrics) StepExecuted(functionID, outcome string, d time.Duration) {
	if m == nil {
		return
	}

	m.StepExecutions.WithLabelValues(functionID, outcome).Inc()

	if d > 0 {
		m.StepDuration.WithLabelValues(functionID).Observe(d.Seconds())
	}
}

func (m *Metrics) RunTransitioned(functionID, status string) {
	if m == nil {
		return
	}

	m.RunTransitions.WithLabelValues(functionID, status).Inc()
}

func (m *Metrics) RunCreated(functionID string) {
	if m == nil {
		return
	}

	m.RunsCreated.WithLabelValues(functionID).Inc()
}

func (m *Metrics) Admission(functionID string, active, waiting int) {
	if m == nil {
		return
	}

	m.AdmissionActive.WithLabelValues(functionID).Set(float64(active))
	m.AdmissionWaiting.WithLabelValues(functionID).Set(float64(waiting))
}

func (m *Metrics) TimerFired(kind string, lateness time.Duration) {
	if m == nil {
		return
	}

	m.TimersFired.WithLabelValues(kind).Inc()
	m.TimerLateness.Observe(lateness.Seconds())
}

func (m *Metrics) EventsAccepted(n int) {
	if m == nil {
		return
	}

	m.EventsIngested.Add(float64(n))
}

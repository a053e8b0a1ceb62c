package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States lists every supervisor state label, in the order the current_state
// gauge is written.
var States = []string{"running", "troubled", "stopped", "transitioning", "missing"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repowatch",
			Subsystem: "instance",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions per repository instance.",
		}, []string{"instance", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "repowatch",
			Subsystem: "instance",
			Name:      "current_state",
			Help:      "Current state of each instance (1 = active state, 0 = inactive).",
		}, []string{"instance", "state"},
	)
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repowatch",
			Subsystem: "probe",
			Name:      "total",
			Help:      "Health probes by result.",
		}, []string{"instance", "result"},
	)
	actions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repowatch",
			Subsystem: "action",
			Name:      "total",
			Help:      "Lifecycle program invocations by action and outcome.",
		}, []string{"instance", "action", "outcome"},
	)
	reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "repowatch",
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Time spent in one reconciliation pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"instance"},
	)
	reconcileFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repowatch",
			Subsystem: "reconcile",
			Name:      "failures_total",
			Help:      "Reconciliation passes that panicked and were skipped.",
		}, []string{"instance"},
	)
	documents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "repowatch",
			Subsystem: "instance",
			Name:      "documents",
			Help:      "Number of documents stored in the repository.",
		}, []string{"instance"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{stateTransitions, currentStates, probes, actions, reconcileDuration, reconcileFailures, documents}
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordStateTransition(instance, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(instance, from, to).Inc()
	}
}

// SetCurrentState marks state as the active one for instance and clears the rest.
func SetCurrentState(instance, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(instance, s).Set(v)
	}
}

func IncProbe(instance, result string) {
	if regOK.Load() {
		probes.WithLabelValues(instance, result).Inc()
	}
}

// IncAction counts a lifecycle program outcome: "spawned", "spawn_failed",
// "succeeded" or "failed".
func IncAction(instance, action, outcome string) {
	if regOK.Load() {
		actions.WithLabelValues(instance, action, outcome).Inc()
	}
}

func ObserveReconcile(instance string, seconds float64) {
	if regOK.Load() {
		reconcileDuration.WithLabelValues(instance).Observe(seconds)
	}
}

func IncReconcileFailure(instance string) {
	if regOK.Load() {
		reconcileFailures.WithLabelValues(instance).Inc()
	}
}

func SetDocuments(instance string, n int) {
	if regOK.Load() {
		documents.WithLabelValues(instance).Set(float64(n))
	}
}

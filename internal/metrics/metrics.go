package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "provoice"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Number of finished pipeline runs by outcome (completed, or the failure reason).",
		}, []string{"outcome"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "End-to-end pipeline run duration.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"outcome"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Stage execution time including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"stage", "result"},
	)
	stageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "retries_total",
			Help:      "Number of stage retries after a transient engine error.",
		}, []string{"stage"},
	)
	admissionRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rejected_total",
			Help:      "Requests rejected because no admission slot freed up in time.",
		},
	)
	admissionInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "in_flight",
			Help:      "Admission slots currently held.",
		},
	)
	engineLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "launches_total",
			Help:      "Number of engine process launches.",
		}, []string{"engine"},
	)
	engineRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "restarts_total",
			Help:      "Number of engine launches counted against the restart budget.",
		}, []string{"engine"},
	)
	engineStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "state_transitions_total",
			Help:      "Number of engine lifecycle state transitions.",
		}, []string{"engine", "from", "to"},
	)
	engineHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "health_state",
			Help:      "Current health state of engines (1 = active state, 0 = inactive).",
		}, []string{"engine", "state"},
	)
	engineMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the engine process.",
		}, []string{"engine"},
	)
	engineCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cpu_percent",
			Help:      "CPU usage of the engine process.",
		}, []string{"engine"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		runsTotal, runDuration, stageDuration, stageRetries,
		admissionRejected, admissionInFlight,
		engineLaunches, engineRestarts, engineStateTransitions, engineHealth, engineMemory, engineCPU,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

func ObserveRun(outcome string, seconds float64) {
	if regOK.Load() {
		runsTotal.WithLabelValues(outcome).Inc()
		runDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

func ObserveStage(stage, result string, seconds float64) {
	if regOK.Load() {
		stageDuration.WithLabelValues(stage, result).Observe(seconds)
	}
}

func IncStageRetry(stage string) {
	if regOK.Load() {
		stageRetries.WithLabelValues(stage).Inc()
	}
}

func IncAdmissionRejected() {
	if regOK.Load() {
		admissionRejected.Inc()
	}
}

func SetAdmissionInFlight(n int) {
	if regOK.Load() {
		admissionInFlight.Set(float64(n))
	}
}

func IncLaunch(engine string) {
	if regOK.Load() {
		engineLaunches.WithLabelValues(engine).Inc()
	}
}

func IncRestart(engine string) {
	if regOK.Load() {
		engineRestarts.WithLabelValues(engine).Inc()
	}
}

func RecordStateTransition(engine, from, to string) {
	if regOK.Load() {
		engineStateTransitions.WithLabelValues(engine, from, to).Inc()
	}
}

// SetHealthState flips the health gauge for engine from the old state to the new one.
func SetHealthState(engine, from, to string) {
	if regOK.Load() {
		if from != "" && from != to {
			engineHealth.WithLabelValues(engine, from).Set(0)
		}
		engineHealth.WithLabelValues(engine, to).Set(1)
	}
}

func SetEngineUsage(engine string, u Usage) {
	if regOK.Load() {
		engineMemory.WithLabelValues(engine).Set(float64(u.RSSBytes))
		engineCPU.WithLabelValues(engine).Set(u.CPUPercent)
	}
}

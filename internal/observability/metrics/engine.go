// Package metrics provides prometheus collectors for the VoxMorph engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics holds the collectors for the packet pipeline, the inference
// manager and the stability controller. All record methods are nil-safe so
// components can carry a nil *EngineMetrics when metrics are disabled.
type EngineMetrics struct {
	packetsProcessed  *prometheus.CounterVec
	packetLatency     prometheus.Histogram
	deadlineOverruns  prometheus.Counter
	inferenceDuration prometheus.Histogram
	inferenceFailures prometheus.Counter
	modelLoads        *prometheus.CounterVec
	delegateBenchmark *prometheus.GaugeVec
	stateTransitions  *prometheus.CounterVec
	degradedMode      prometheus.Gauge
}

// NewEngineMetrics creates and registers the engine collectors.
func NewEngineMetrics(registerer prometheus.Registerer) (*EngineMetrics, error) {
	m := &EngineMetrics{
		packetsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxmorph_packets_processed_total",
				Help: "Total number of audio packets processed by status",
			},
			[]string{"status"}, // success, failure, bypass
		),
		packetLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voxmorph_packet_latency_seconds",
				Help:    "End-to-end packet processing latency",
				Buckets: []float64{.001, .0025, .005, .01, .02, .03, .05, .1},
			},
		),
		deadlineOverruns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voxmorph_packet_deadline_overruns_total",
				Help: "Packets whose processing exceeded the latency deadline",
			},
		),
		inferenceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voxmorph_inference_duration_seconds",
				Help:    "Duration of the in-place inference step",
				Buckets: []float64{.001, .0025, .005, .01, .02, .03, .05},
			},
		),
		inferenceFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voxmorph_inference_failures_total",
				Help: "Backend inference failures absorbed per packet",
			},
		),
		modelLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxmorph_model_loads_total",
				Help: "Model load attempts by result",
			},
			[]string{"result"}, // success, failure
		),
		delegateBenchmark: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voxmorph_delegate_benchmark_latency_ms",
				Help: "Measured micro-inference latency per delegate at model load",
			},
			[]string{"delegate"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxmorph_stability_transitions_total",
				Help: "Stability state machine transitions by direction",
			},
			[]string{"direction"}, // degrade, restore
		),
		degradedMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voxmorph_degraded_mode",
				Help: "1 while the engine runs in degraded mode, 0 otherwise",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.packetsProcessed,
		m.packetLatency,
		m.deadlineOverruns,
		m.inferenceDuration,
		m.inferenceFailures,
		m.modelLoads,
		m.delegateBenchmark,
		m.stateTransitions,
		m.degradedMode,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordPacket records one processed packet with its latency.
func (m *EngineMetrics) RecordPacket(status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.packetsProcessed.WithLabelValues(status).Inc()
	m.packetLatency.Observe(latency.Seconds())
}

// RecordDeadlineOverrun counts an advisory latency deadline overrun.
func (m *EngineMetrics) RecordDeadlineOverrun() {
	if m == nil {
		return
	}
	m.deadlineOverruns.Inc()
}

// RecordInference records the duration of one inference call.
func (m *EngineMetrics) RecordInference(d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.Observe(d.Seconds())
}

// RecordInferenceFailure counts one absorbed backend failure.
func (m *EngineMetrics) RecordInferenceFailure() {
	if m == nil {
		return
	}
	m.inferenceFailures.Inc()
}

// RecordModelLoad counts a model load attempt.
func (m *EngineMetrics) RecordModelLoad(result string) {
	if m == nil {
		return
	}
	m.modelLoads.WithLabelValues(result).Inc()
}

// RecordDelegateBenchmark publishes a delegate's measured benchmark latency.
func (m *EngineMetrics) RecordDelegateBenchmark(delegate string, latencyMs float64) {
	if m == nil {
		return
	}
	m.delegateBenchmark.WithLabelValues(delegate).Set(latencyMs)
}

// RecordTransition counts a stability transition and tracks degraded mode.
func (m *EngineMetrics) RecordTransition(direction string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(direction).Inc()
	switch direction {
	case "degrade":
		m.degradedMode.Set(1)
	case "restore":
		m.degradedMode.Set(0)
	}
}

package inference

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/voxmorph/voxmorph-go/internal/stability"
)

// micro-workload parameters: one packet of a 440 Hz tone at half amplitude.
// Fixed so benchmark results are comparable across delegates and runs.
const (
	workloadFrequency = 440.0
	workloadAmplitude = 0.5
)

// microWorkload builds the fixed benchmark input for one packet.
func microWorkload(packetSamples, sampleRate int) []float32 {
	buf := make([]float32, packetSamples)
	step := 2 * math.Pi * workloadFrequency / float64(sampleRate)
	for i := range buf {
		buf[i] = float32(workloadAmplitude * math.Sin(step*float64(i)))
	}
	return buf
}

// selectBackend benchmarks every available backend for the model's format
// and returns the loaded winner. Selection rule: lowest measured latency at
// or under the ceiling, ties resolved by delegate priority order (DSP, GPU,
// CPU); when no delegate meets the ceiling the CPU is selected
// unconditionally as the guaranteed fallback. Losing backends are closed
// before returning. Caller holds the state mutex.
func (m *Manager) selectBackend(cfg ModelConfig) (Backend, []DelegateBenchmarkResult, error) {
	if cached := m.loadFromBenchmarkCache(cfg); cached != nil {
		return cached, nil, nil
	}

	var (
		results []DelegateBenchmarkResult
		loaded  []Backend
		best    Backend
		bestLat time.Duration
		cpu     Backend
	)

	for _, b := range m.backends {
		if b.Format() != cfg.Format || !b.Available() {
			continue
		}
		if err := b.Load(cfg); err != nil {
			m.log.Warn("backend failed to load model, skipping",
				"backend", b.Name(),
				"delegate", b.Delegate().String(),
				"error", err)
			continue
		}

		latency, err := m.benchmarkBackend(b, cfg)
		if err != nil {
			m.log.Warn("backend failed micro-benchmark, skipping",
				"backend", b.Name(),
				"delegate", b.Delegate().String(),
				"error", err)
			_ = b.Close()
			continue
		}

		loaded = append(loaded, b)
		results = append(results, DelegateBenchmarkResult{Delegate: b.Delegate(), Latency: latency})
		m.metrics.RecordDelegateBenchmark(b.Delegate().String(), float64(latency)/float64(time.Millisecond))
		m.log.Info("delegate benchmarked",
			"delegate", b.Delegate().String(),
			"latency_ms", float64(latency)/float64(time.Millisecond))

		if b.Delegate() == DelegateCPU && cpu == nil {
			cpu = b
		}
		// Strict less-than keeps the first-evaluated delegate on ties.
		if latency <= m.ceiling && (best == nil || latency < bestLat) {
			best = b
			bestLat = latency
		}
	}

	if best == nil {
		// No delegate met the ceiling; the CPU fallback is never excluded
		// by the ceiling check.
		best = cpu
	}
	if best == nil {
		for _, b := range loaded {
			_ = b.Close()
		}
		return nil, results, fmt.Errorf("no usable backend for format %s", cfg.Format)
	}

	for _, b := range loaded {
		if b != best {
			_ = b.Close()
		}
	}

	m.storeBenchmarkCache(cfg, best.Delegate())
	return best, results, nil
}

// BenchmarkModel measures every candidate backend for the model at path and
// returns the per-delegate results. Nothing stays loaded afterwards and the
// active model is untouched; this serves the offline benchmark command.
func (m *Manager) BenchmarkModel(path string, packetSamples, sampleRate int) ([]DelegateBenchmarkResult, error) {
	format := DetectFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("unrecognized model format for %q", path)
	}
	cfg := ModelConfig{
		ModelDescriptor: ModelDescriptor{Path: path, Format: format},
		PacketSamples:   packetSamples,
		SampleRate:      sampleRate,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var results []DelegateBenchmarkResult
	for _, b := range m.backends {
		if b.Format() != cfg.Format || !b.Available() || b == m.active {
			continue
		}
		if err := b.Load(cfg); err != nil {
			m.log.Warn("backend failed to load model, skipping",
				"backend", b.Name(),
				"delegate", b.Delegate().String(),
				"error", err)
			continue
		}
		latency, err := m.benchmarkBackend(b, cfg)
		_ = b.Close()
		if err != nil {
			m.log.Warn("backend failed micro-benchmark, skipping",
				"backend", b.Name(),
				"delegate", b.Delegate().String(),
				"error", err)
			continue
		}
		results = append(results, DelegateBenchmarkResult{Delegate: b.Delegate(), Latency: latency})
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("no usable backend for format %s", cfg.Format)
	}
	return results, nil
}

// benchmarkBackend measures the backend's median latency over the fixed
// micro-inference workload.
func (m *Manager) benchmarkBackend(b Backend, cfg ModelConfig) (time.Duration, error) {
	workload := microWorkload(cfg.PacketSamples, cfg.SampleRate)
	scratch := make([]float32, len(workload))

	durations := make([]time.Duration, 0, m.benchRuns)
	for i := 0; i < m.benchRuns; i++ {
		copy(scratch, workload)
		start := time.Now()
		if err := b.Run(scratch, stability.PrecisionFP32); err != nil {
			return 0, err
		}
		durations = append(durations, time.Since(start))
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	return durations[len(durations)/2], nil
}

func benchmarkCacheKey(cfg ModelConfig) string {
	return fmt.Sprintf("%s|%d", cfg.Path, cfg.PacketSamples)
}

// loadFromBenchmarkCache skips the benchmark pass when a recent selection
// for the same model and packet size exists. A stale entry whose backend no
// longer loads falls through to a full benchmark.
func (m *Manager) loadFromBenchmarkCache(cfg ModelConfig) Backend {
	if m.benchCache == nil {
		return nil
	}
	v, ok := m.benchCache.Get(benchmarkCacheKey(cfg))
	if !ok {
		return nil
	}
	delegate, ok := v.(Delegate)
	if !ok {
		return nil
	}

	for _, b := range m.backends {
		if b.Delegate() != delegate || b.Format() != cfg.Format || !b.Available() {
			continue
		}
		if err := b.Load(cfg); err != nil {
			m.log.Warn("cached delegate no longer loads, re-benchmarking",
				"delegate", delegate.String(),
				"error", err)
			m.benchCache.Delete(benchmarkCacheKey(cfg))
			return nil
		}
		m.log.Info("delegate selection restored from benchmark cache",
			"delegate", delegate.String())
		return b
	}
	return nil
}

func (m *Manager) storeBenchmarkCache(cfg ModelConfig, delegate Delegate) {
	if m.benchCache == nil {
		return
	}
	m.benchCache.Set(benchmarkCacheKey(cfg), delegate, cache.DefaultExpiration)
}

// Package inference selects among heterogeneous hardware backends at model
// load time and runs the voice transform in place per packet. Delegate
// selection benchmarks every available backend with a fixed micro-workload
// and picks the fastest under the latency ceiling, with the CPU as the
// guaranteed fallback.
package inference

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/voxmorph/voxmorph-go/internal/conf"
	"github.com/voxmorph/voxmorph-go/internal/errors"
	"github.com/voxmorph/voxmorph-go/internal/logging"
	"github.com/voxmorph/voxmorph-go/internal/observability/metrics"
	"github.com/voxmorph/voxmorph-go/internal/stability"
)

var (
	serviceLogger *slog.Logger
	loggerOnce    sync.Once
)

func getLogger() *slog.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logging.ForService("inference")
	})
	return serviceLogger
}

// Hot-path sentinel errors. RunInference favors failing fast over stalling:
// a packet that arrives while a load holds the state lock is reported as a
// failure and the caller falls back to bypass for that packet.
var (
	ErrModelNotLoaded = errors.NewStd("inference: no model loaded")
	ErrLoadInProgress = errors.NewStd("inference: model load in progress")
	ErrPacketTooLong  = errors.NewStd("inference: packet exceeds configured size")
)

// Manager owns the backend adapters and the engine state. Model load and
// unload are rare control-path events serialized by the state mutex;
// RunInference uses TryLock so the audio thread never blocks behind a load.
type Manager struct {
	mu      sync.Mutex
	state   EngineState
	active  Backend
	scratch []float32 // pre-call copy for buffer restore, sized at load

	backends   []Backend // candidates in delegate priority order
	ceiling    time.Duration
	benchRuns  int
	benchCache *cache.Cache // nil when caching is disabled

	metrics *metrics.EngineMetrics
	log     *slog.Logger
}

// NewManager creates a manager over the given backend adapters. Backends
// are reordered into delegate priority order (DSP, GPU, CPU); availability
// is checked per load.
func NewManager(settings *conf.Settings, backends []Backend, m *metrics.EngineMetrics) *Manager {
	ordered := make([]Backend, len(backends))
	copy(ordered, backends)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Delegate() < ordered[j].Delegate()
	})

	var benchCache *cache.Cache
	if ttl := settings.Model.BenchmarkCacheTTL; ttl > 0 {
		ttlDuration := time.Duration(ttl) * time.Minute
		benchCache = cache.New(ttlDuration, 2*ttlDuration)
	}

	runs := settings.Model.BenchmarkRuns
	if runs <= 0 {
		runs = 1
	}

	return &Manager{
		backends:   ordered,
		ceiling:    time.Duration(settings.Model.CeilingMs * float64(time.Millisecond)),
		benchRuns:  runs,
		benchCache: benchCache,
		metrics:    m,
		log:        getLogger(),
	}
}

// LoadModel loads the model at path, selecting the fastest delegate under
// the latency ceiling. Any previously loaded model is fully unloaded before
// the new state is constructed; on failure the manager is left with no
// model loaded. An unrecognized path suffix fails immediately with no state
// change at all.
func (m *Manager) LoadModel(path string, packetSamples, sampleRate int) error {
	desc := ModelDescriptor{Path: path, Format: DetectFormat(path)}
	if desc.Format == FormatUnknown {
		m.metrics.RecordModelLoad("failure")
		return errors.Newf("unrecognized model format for %q", path).
			Component("inference").
			Category(errors.CategoryModelLoad).
			ModelContext(path, desc.Format.String()).
			Build()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()

	// Atomic swap, not overlay: the old model is fully cleared before any
	// new state is constructed.
	m.unloadLocked()

	cfg := ModelConfig{
		ModelDescriptor: desc,
		PacketSamples:   packetSamples,
		SampleRate:      sampleRate,
	}

	selected, results, err := m.selectBackend(cfg)
	if err != nil {
		m.metrics.RecordModelLoad("failure")
		return errors.Wrap(err).
			Component("inference").
			Category(errors.CategoryModelLoad).
			ModelContext(path, desc.Format.String()).
			Timing("model-load", time.Since(start)).
			Build()
	}

	m.active = selected
	m.scratch = make([]float32, packetSamples)
	m.state = EngineState{
		Loaded:    true,
		Model:     desc,
		Backend:   selected.Name(),
		Delegate:  selected.Delegate(),
		Precision: stability.PrecisionFP32,
	}

	m.metrics.RecordModelLoad("success")
	m.log.Info("model loaded",
		"path", path,
		"format", desc.Format.String(),
		"backend", selected.Name(),
		"delegate", selected.Delegate().String(),
		"benchmarks", len(results),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// RunInference executes the active backend's transform in place at the
// given precision. The precision snapshot is taken by the caller once per
// packet, so a downgrade takes effect at the start of the next call, never
// mid-call. On backend failure the buffer is restored to its pre-call
// content and the error is surfaced; recovery is the caller's decision.
func (m *Manager) RunInference(buf []float32, precision stability.Precision) error {
	if !m.mu.TryLock() {
		return ErrLoadInProgress
	}
	defer m.mu.Unlock()

	if m.active == nil {
		return ErrModelNotLoaded
	}
	if len(buf) > len(m.scratch) {
		return ErrPacketTooLong
	}

	copy(m.scratch, buf)

	start := time.Now()
	if err := m.active.Run(buf, precision); err != nil {
		copy(buf, m.scratch[:len(buf)])
		m.metrics.RecordInferenceFailure()
		return fmt.Errorf("inference: backend %s failed: %w", m.active.Name(), err)
	}
	m.metrics.RecordInference(time.Since(start))
	return nil
}

// UnloadModel releases backend resources and resets the engine state.
// Safe to call when no model is loaded.
func (m *Manager) UnloadModel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloadLocked()
}

func (m *Manager) unloadLocked() {
	if m.active == nil {
		return
	}
	if err := m.active.Close(); err != nil {
		m.log.Warn("backend close failed during unload",
			"backend", m.active.Name(),
			"error", err)
	}
	m.active = nil
	m.scratch = nil
	m.state = EngineState{}
	m.log.Info("model unloaded")
}

// State returns a copy of the current engine state. Control path only; a
// load in progress will briefly block this call.
func (m *Manager) State() EngineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Loaded reports whether a model is currently loaded.
func (m *Manager) Loaded() bool {
	return m.State().Loaded
}

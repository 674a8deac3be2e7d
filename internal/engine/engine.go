// Package engine ties the effects pipeline, the inference manager and the
// stability machinery into the per-packet orchestrator and the boolean
// control surface the host binding calls. Richer error kinds stay internal;
// the boundary speaks success flags, matching the host IPC contract.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/voxmorph/voxmorph-go/internal/conf"
	"github.com/voxmorph/voxmorph-go/internal/dsp"
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
		serviceLogger = logging.ForService("engine")
	})
	return serviceLogger
}

// Inference is the slice of the inference manager the engine consumes.
type Inference interface {
	InferenceRunner
	LoadModel(path string, packetSamples, sampleRate int) error
	UnloadModel()
}

// Engine is the top-level context object constructed once at initialization
// and passed by reference to everything that needs it. There are no hidden
// process-wide singletons; teardown returns the process to a clean state.
type Engine struct {
	mu       sync.Mutex
	settings *conf.Settings

	buf       *SharedAudioBuffer
	fx        *dsp.FXGraph
	inference Inference
	ctrl      *stability.Controller
	feed      *stability.LatencyFeed
	watchdog  *stability.Watchdog
	pipeline  *PacketPipeline

	// hot is the lock-free publication point for the audio thread: the
	// per-packet path must never contend with the control mutex, which is
	// held across slow model loads.
	hot atomic.Pointer[hotPath]

	metrics     *metrics.EngineMetrics
	initialized bool
	pinned      bool
	log         *slog.Logger
}

// hotPath bundles what ProcessAudio needs, published atomically once the
// engine is up and cleared at teardown.
type hotPath struct {
	pipeline *PacketPipeline
	buf      *SharedAudioBuffer
}

// New creates an engine over the given inference manager. Nothing runs
// until Initialize.
func New(settings *conf.Settings, inf Inference, m *metrics.EngineMetrics) *Engine {
	return &Engine{
		settings:  settings,
		inference: inf,
		metrics:   m,
		log:       getLogger(),
	}
}

// Initialize allocates a sample region of the given size and brings the
// engine up around it. Convenience for hosts that let the engine own the
// region; platform bindings with their own mapping use InitializeWithBuffer.
func (e *Engine) Initialize(bufferSizeBytes int) bool {
	if bufferSizeBytes < conf.BytesPerSample {
		e.log.Error("initialize rejected, buffer too small", "bytes", bufferSizeBytes)
		return false
	}
	samples := make([]float32, bufferSizeBytes/conf.BytesPerSample)
	return e.InitializeWithBuffer(NewSharedAudioBuffer(samples, e.settings.Audio.SampleRate))
}

// InitializeWithBuffer brings the engine up around a caller-owned buffer:
// wires the DSP graph and pipeline, requests best-effort realtime resources,
// starts the watchdog, and loads the configured default model if any.
// Idempotent; a second call reports success without reinitializing.
func (e *Engine) InitializeWithBuffer(buf *SharedAudioBuffer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		e.log.Info("engine already initialized")
		return true
	}
	if buf == nil || buf.Len() == 0 {
		e.log.Error("initialize rejected, nil or empty buffer")
		return false
	}

	e.buf = buf
	e.ctrl = stability.NewController(e.metrics)
	e.feed = stability.NewLatencyFeed()
	e.fx = dsp.NewFXGraph(&e.settings.DSP, buf.SampleRate(), e.settings.Audio.PacketSamples)
	e.pipeline = NewPacketPipeline(e.fx, e.inference, e.ctrl, e.feed,
		e.settings.WatchdogDeadline(), e.metrics)

	// Best-effort realtime guarantees; refusal degrades, never aborts.
	if e.settings.Stability.RealtimeScheduling {
		e.ctrl.RequestRealTimeScheduling()
	}
	if e.settings.Stability.MemoryPinning {
		e.pinned = e.ctrl.PinMemory(buf.Samples())
	}

	e.watchdog = stability.NewWatchdog(e.ctrl, e.feed, stability.WatchdogConfig{
		Interval:    e.settings.WatchdogInterval(),
		Deadline:    e.settings.WatchdogDeadline(),
		QuietWindow: e.settings.WatchdogQuietWindow(),
		CPULimit:    e.settings.Stability.Watchdog.CPULimit,
	})
	e.watchdog.Start(context.Background())

	e.hot.Store(&hotPath{pipeline: e.pipeline, buf: e.buf})
	e.initialized = true
	e.log.Info("engine initialized",
		"buffer_samples", buf.Len(),
		"sample_rate", buf.SampleRate(),
		"packet_samples", e.settings.Audio.PacketSamples,
		"memory_pinned", e.pinned)

	// Default model is best-effort at initialize, same as the control
	// surface load: the engine comes up in pass-through when it fails.
	if path := e.settings.Model.Path; path != "" {
		if !e.loadModelLocked(path) {
			e.log.Warn("default model failed to load, engine starts in pass-through",
				"path", path)
		}
	}

	return true
}

// LoadModel loads a model by path, returning a success flag. A failed load
// leaves the engine with no model; packets pass through until a load
// succeeds.
func (e *Engine) LoadModel(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		e.log.Error("load model rejected, engine not initialized")
		return false
	}
	return e.loadModelLocked(path)
}

func (e *Engine) loadModelLocked(path string) bool {
	err := e.inference.LoadModel(path, e.settings.Audio.PacketSamples, e.buf.SampleRate())
	if err != nil {
		e.log.Error("model load failed", "path", path, "error", err)
		return false
	}
	return true
}

// SetTransformEnabled switches the voice transform on or off for subsequent
// packets. Off means packets run the reduced bypass chain only.
func (e *Engine) SetTransformEnabled(enabled bool) {
	e.mu.Lock()
	pipeline := e.pipeline
	e.mu.Unlock()
	if pipeline == nil {
		return
	}
	pipeline.SetTransformEnabled(enabled)
	e.log.Info("transform toggled", "enabled", enabled)
}

// Buffer returns the shared audio buffer the engine was initialized with.
// The AudioIO collaborator writes captured samples here before ProcessAudio
// and reads the transformed result afterwards.
func (e *Engine) Buffer() *SharedAudioBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf
}

// ProcessAudio runs one packet of bytesRead bytes through the pipeline and
// reports success. On failure the buffer holds playable audio and the
// caller should treat the packet as pass-through. Lock-free: the audio
// thread never contends with the control path.
func (e *Engine) ProcessAudio(bytesRead int) bool {
	hot := e.hot.Load()
	if hot == nil {
		return false
	}
	n := bytesRead / conf.BytesPerSample
	return hot.pipeline.Process(hot.buf, n) == nil
}

// Teardown stops the watchdog, unloads the model and releases pinned
// memory. Idempotent; safe to call on a never-initialized engine.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return
	}

	e.hot.Store(nil)
	e.watchdog.Stop()
	e.inference.UnloadModel()
	if e.pinned {
		e.ctrl.UnpinMemory(e.buf.Samples())
		e.pinned = false
	}

	e.initialized = false
	e.log.Info("engine torn down")
}

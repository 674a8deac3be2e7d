package inference

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxmorph/voxmorph-go/internal/conf"
	"github.com/voxmorph/voxmorph-go/internal/observability/metrics"
	"github.com/voxmorph/voxmorph-go/internal/stability"
)

// fakeBackend simulates a delegate with a fixed per-run latency.
type fakeBackend struct {
	mu         sync.Mutex
	name       string
	delegate   Delegate
	format     ModelFormat
	available  bool
	runLatency time.Duration
	loadErr    error
	runErr     error

	loaded    bool
	loadCount int
	runCount  int
	gain      float32 // applied in place so callers can observe the transform
}

func (f *fakeBackend) Name() string       { return f.name }
func (f *fakeBackend) Delegate() Delegate { return f.delegate }
func (f *fakeBackend) Format() ModelFormat {
	if f.format == FormatUnknown {
		return FormatTFLite
	}
	return f.format
}
func (f *fakeBackend) Available() bool { return f.available }

func (f *fakeBackend) Load(cfg ModelConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = true
	f.loadCount++
	return nil
}

func (f *fakeBackend) Run(buf []float32, precision stability.Precision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCount++
	if f.runLatency > 0 {
		time.Sleep(f.runLatency)
	}
	if f.runErr != nil {
		// Scribble on the buffer before failing; the manager must restore it.
		for i := range buf {
			buf[i] = -1
		}
		return f.runErr
	}
	gain := f.gain
	if gain == 0 {
		gain = 1
	}
	for i := range buf {
		buf[i] *= gain
	}
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = false
	return nil
}

func testModelSettings(tb testing.TB) *conf.Settings {
	tb.Helper()
	return &conf.Settings{
		Audio: conf.AudioSettings{SampleRate: 48000, PacketSamples: 96},
		Model: conf.ModelSettings{
			CeilingMs:     20,
			BenchmarkRuns: 1,
		},
	}
}

func testMetrics(tb testing.TB) *metrics.EngineMetrics {
	tb.Helper()
	m, err := metrics.NewEngineMetrics(prometheus.NewRegistry())
	require.NoError(tb, err)
	return m
}

func newTestManager(tb testing.TB, settings *conf.Settings, backends ...Backend) *Manager {
	tb.Helper()
	return NewManager(settings, backends, testMetrics(tb))
}

func TestLoadModelPicksFastestUnderCeiling(t *testing.T) {
	dsp := &fakeBackend{name: "dsp", delegate: DelegateDSP, available: true, runLatency: 2 * time.Millisecond}
	gpu := &fakeBackend{name: "gpu", delegate: DelegateGPU, available: true, runLatency: 5 * time.Millisecond}
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true, runLatency: 8 * time.Millisecond}

	m := newTestManager(t, testModelSettings(t), cpu, gpu, dsp)
	require.NoError(t, m.LoadModel("voice.tflite", 96, 48000))

	state := m.State()
	assert.True(t, state.Loaded)
	assert.Equal(t, DelegateDSP, state.Delegate)
	assert.Equal(t, stability.PrecisionFP32, state.Precision)
	assert.True(t, dsp.loaded)
	assert.False(t, gpu.loaded, "losing backends are closed")
	assert.False(t, cpu.loaded, "losing backends are closed")
}

func TestLoadModelFallsBackToCPUWhenAllOverCeiling(t *testing.T) {
	settings := testModelSettings(t)
	settings.Model.CeilingMs = 0.001 // everything exceeds the ceiling

	dsp := &fakeBackend{name: "dsp", delegate: DelegateDSP, available: true, runLatency: time.Millisecond}
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true, runLatency: 2 * time.Millisecond}

	m := newTestManager(t, settings, dsp, cpu)
	require.NoError(t, m.LoadModel("voice.tflite", 96, 48000))

	assert.Equal(t, DelegateCPU, m.State().Delegate,
		"CPU is selected unconditionally when no delegate meets the ceiling")
	assert.False(t, dsp.loaded)
}

func TestLoadModelSkipsFailingBackends(t *testing.T) {
	dsp := &fakeBackend{name: "dsp", delegate: DelegateDSP, available: true, loadErr: errors.New("delegate init failed")}
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true}

	m := newTestManager(t, testModelSettings(t), dsp, cpu)
	require.NoError(t, m.LoadModel("voice.tflite", 96, 48000))
	assert.Equal(t, DelegateCPU, m.State().Delegate)
}

func TestLoadModelUnknownFormatLeavesStateUntouched(t *testing.T) {
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true}
	m := newTestManager(t, testModelSettings(t), cpu)

	require.NoError(t, m.LoadModel("voice.tflite", 96, 48000))
	before := m.State()

	err := m.LoadModel("voice.bin", 96, 48000)
	require.Error(t, err)
	assert.Equal(t, before, m.State(), "failed format detection must not unload the previous model")
	assert.True(t, cpu.loaded)
}

func TestLoadModelReplacesPreviousModel(t *testing.T) {
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true}
	m := newTestManager(t, testModelSettings(t), cpu)

	require.NoError(t, m.LoadModel("a.tflite", 96, 48000))
	require.NoError(t, m.LoadModel("b.tflite", 96, 48000))

	state := m.State()
	assert.Equal(t, "b.tflite", state.Model.Path)
	assert.Equal(t, 2, cpu.loadCount)
}

func TestLoadModelNoBackendForFormat(t *testing.T) {
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true, format: FormatTFLite}
	m := newTestManager(t, testModelSettings(t), cpu)

	err := m.LoadModel("voice.onnx", 96, 48000)
	require.Error(t, err)
	assert.False(t, m.Loaded())
}

func TestRunInferenceTransformsInPlace(t *testing.T) {
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true, gain: 2}
	m := newTestManager(t, testModelSettings(t), cpu)
	require.NoError(t, m.LoadModel("voice.tflite", 96, 48000))

	buf := []float32{0.1, 0.2}
	require.NoError(t, m.RunInference(buf, stability.PrecisionFP32))
	assert.InDelta(t, 0.2, buf[0], 1e-6)
	assert.InDelta(t, 0.4, buf[1], 1e-6)
}

func TestRunInferenceWithoutModel(t *testing.T) {
	m := newTestManager(t, testModelSettings(t))
	err := m.RunInference([]float32{0.1}, stability.PrecisionFP32)
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestRunInferenceRestoresBufferOnFailure(t *testing.T) {
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true}
	m := newTestManager(t, testModelSettings(t), cpu)
	require.NoError(t, m.LoadModel("voice.tflite", 96, 48000))

	cpu.mu.Lock()
	cpu.runErr = errors.New("invoke failed")
	cpu.mu.Unlock()

	buf := []float32{0.1, 0.2, 0.3}
	original := append([]float32(nil), buf...)

	err := m.RunInference(buf, stability.PrecisionFP32)
	require.Error(t, err)
	assert.Equal(t, original, buf, "failed inference must restore the pre-call buffer")
}

func TestRunInferenceRejectsOversizedPacket(t *testing.T) {
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true}
	m := newTestManager(t, testModelSettings(t), cpu)
	require.NoError(t, m.LoadModel("voice.tflite", 4, 48000))

	err := m.RunInference(make([]float32, 8), stability.PrecisionFP32)
	assert.ErrorIs(t, err, ErrPacketTooLong)
}

func TestRunInferenceFailsFastDuringLoad(t *testing.T) {
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true}
	m := newTestManager(t, testModelSettings(t), cpu)

	m.mu.Lock()
	err := m.RunInference([]float32{0.1}, stability.PrecisionFP32)
	m.mu.Unlock()

	assert.ErrorIs(t, err, ErrLoadInProgress)
}

func TestUnloadModelIdempotent(t *testing.T) {
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true}
	m := newTestManager(t, testModelSettings(t), cpu)
	require.NoError(t, m.LoadModel("voice.tflite", 96, 48000))

	m.UnloadModel()
	assert.False(t, m.Loaded())
	assert.False(t, cpu.loaded)
	m.UnloadModel() // second call is a no-op
	assert.False(t, m.Loaded())
}

func TestBenchmarkCacheSkipsReBenchmark(t *testing.T) {
	settings := testModelSettings(t)
	settings.Model.BenchmarkCacheTTL = 5
	settings.Model.BenchmarkRuns = 3

	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true}
	m := newTestManager(t, settings, cpu)

	require.NoError(t, m.LoadModel("voice.tflite", 96, 48000))
	runsAfterFirst := cpu.runCount
	assert.Equal(t, 3, runsAfterFirst, "first load benchmarks the backend")

	m.UnloadModel()
	require.NoError(t, m.LoadModel("voice.tflite", 96, 48000))
	assert.Equal(t, runsAfterFirst, cpu.runCount, "cached selection skips the benchmark pass")
	assert.True(t, m.Loaded())
}

func TestBenchmarkModelReportsAllDelegates(t *testing.T) {
	dsp := &fakeBackend{name: "dsp", delegate: DelegateDSP, available: true}
	cpu := &fakeBackend{name: "cpu", delegate: DelegateCPU, available: true}

	m := newTestManager(t, testModelSettings(t), dsp, cpu)
	results, err := m.BenchmarkModel("voice.tflite", 96, 48000)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, DelegateDSP, results[0].Delegate, "results follow delegate priority order")
	assert.Equal(t, DelegateCPU, results[1].Delegate)
	assert.False(t, m.Loaded(), "benchmarking must not load a model into the manager")
	assert.False(t, dsp.loaded)
	assert.False(t, cpu.loaded)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatTFLite, DetectFormat("model.tflite"))
	assert.Equal(t, FormatTFLite, DetectFormat("MODEL.TFLITE"))
	assert.Equal(t, FormatONNX, DetectFormat("voice.onnx"))
	assert.Equal(t, FormatUnknown, DetectFormat("voice.pb"))
	assert.Equal(t, FormatUnknown, DetectFormat("voice"))
	assert.Equal(t, FormatUnknown, DetectFormat(""))
}

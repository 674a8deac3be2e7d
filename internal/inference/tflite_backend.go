package inference

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates"
	"github.com/tphakala/go-tflite/delegates/xnnpack"
	"github.com/voxmorph/voxmorph-go/internal/conf"
	"github.com/voxmorph/voxmorph-go/internal/cpuspec"
	"github.com/voxmorph/voxmorph-go/internal/stability"
)

// tfliteBackend adapts the TensorFlow Lite runtime. Two variants exist: an
// XNNPACK-accelerated one standing in for the DSP-class delegate, and a
// plain multi-threaded CPU one serving as the guaranteed fallback. No GPU
// delegate ships with this build, so DelegateGPU has no TFLite adapter.
type tfliteBackend struct {
	mu       sync.Mutex
	delegate Delegate
	threads  int
	accel    bool // attach the XNNPACK delegate

	model       *tflite.Model
	interpreter *tflite.Interpreter
	xnn         delegates.Delegater
}

// NewTFLiteBackends builds the backend adapters for TFLite models from
// settings: the XNNPACK-accelerated variant when enabled, plus the CPU
// fallback. Thread count defaults to the machine's performance cores.
func NewTFLiteBackends(settings *conf.Settings) []Backend {
	threads := settings.Model.Threads
	if threads <= 0 {
		threads = cpuspec.GetCPUSpec().GetOptimalThreadCount()
	}

	backends := []Backend{
		&tfliteBackend{delegate: DelegateCPU, threads: threads},
	}
	if settings.Model.UseXNNPACK {
		backends = append(backends, &tfliteBackend{
			delegate: DelegateDSP,
			threads:  threads,
			accel:    true,
		})
	}
	return backends
}

func (b *tfliteBackend) Name() string {
	if b.accel {
		return "tflite-xnnpack"
	}
	return "tflite-cpu"
}

func (b *tfliteBackend) Delegate() Delegate { return b.delegate }

func (b *tfliteBackend) Format() ModelFormat { return FormatTFLite }

// Available reports true unconditionally: XNNPACK delegate creation is only
// knowable at load time and a creation failure surfaces as a load error.
func (b *tfliteBackend) Available() bool { return true }

func (b *tfliteBackend) Load(cfg ModelConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closeLocked()

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return fmt.Errorf("%s: read model: %w", b.Name(), err)
	}

	model := tflite.NewModel(data)
	if model == nil {
		return fmt.Errorf("%s: cannot parse TensorFlow Lite model %q", b.Name(), cfg.Path)
	}

	options := tflite.NewInterpreterOptions()
	if b.accel {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, b.threads-1))})
		if delegate == nil {
			model.Delete()
			return fmt.Errorf("%s: XNNPACK delegate unavailable", b.Name())
		}
		b.xnn = delegate
		options.AddDelegate(delegate)
		options.SetNumThread(1)
	} else {
		options.SetNumThread(b.threads)
	}
	options.SetErrorReporter(func(msg string, userData any) {
		getLogger().Error("tflite runtime error", "message", msg)
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		b.releaseDelegateLocked()
		model.Delete()
		return fmt.Errorf("%s: cannot create interpreter", b.Name())
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		b.releaseDelegateLocked()
		model.Delete()
		return fmt.Errorf("%s: tensor allocation failed", b.Name())
	}

	input := interpreter.GetInputTensor(0)
	if input == nil {
		interpreter.Delete()
		b.releaseDelegateLocked()
		model.Delete()
		return fmt.Errorf("%s: model has no input tensor", b.Name())
	}
	inputLen := len(input.Float32s())
	if inputLen < cfg.PacketSamples {
		interpreter.Delete()
		b.releaseDelegateLocked()
		model.Delete()
		return fmt.Errorf("%s: model input holds %d samples, packet needs %d",
			b.Name(), inputLen, cfg.PacketSamples)
	}

	b.model = model
	b.interpreter = interpreter

	// The model byte slice is no longer needed; TFLite keeps its own copy.
	runtime.GC()
	return nil
}

// Run executes the transform in place. The precision hint selects the
// delegate's reduced-precision arithmetic where the hardware supports it
// and is advisory otherwise; the interpreter graph itself is fixed at load.
func (b *tfliteBackend) Run(buf []float32, precision stability.Precision) error {
	if b.interpreter == nil {
		return fmt.Errorf("%s: no model loaded", b.Name())
	}

	input := b.interpreter.GetInputTensor(0)
	if input == nil {
		return fmt.Errorf("%s: input tensor unavailable", b.Name())
	}
	in := input.Float32s()
	n := copy(in, buf)
	for i := n; i < len(in); i++ {
		in[i] = 0
	}

	if status := b.interpreter.Invoke(); status != tflite.OK {
		return fmt.Errorf("%s: invoke failed with status %d", b.Name(), status)
	}

	output := b.interpreter.GetOutputTensor(0)
	if output == nil {
		return fmt.Errorf("%s: output tensor unavailable", b.Name())
	}
	copy(buf, output.Float32s())
	return nil
}

func (b *tfliteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	return nil
}

func (b *tfliteBackend) closeLocked() {
	if b.interpreter != nil {
		b.interpreter.Delete()
		b.interpreter = nil
	}
	b.releaseDelegateLocked()
	if b.model != nil {
		b.model.Delete()
		b.model = nil
	}
}

func (b *tfliteBackend) releaseDelegateLocked() {
	if b.xnn != nil {
		b.xnn.Delete()
		b.xnn = nil
	}
}

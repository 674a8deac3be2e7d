package inference

import (
	"strings"
	"time"

	"github.com/voxmorph/voxmorph-go/internal/stability"
)

// ModelFormat identifies the model file format, derived solely from the
// path suffix.
type ModelFormat int

const (
	FormatUnknown ModelFormat = iota
	FormatTFLite
	FormatONNX
)

func (f ModelFormat) String() string {
	switch f {
	case FormatTFLite:
		return "tflite"
	case FormatONNX:
		return "onnx"
	default:
		return "unknown"
	}
}

// DetectFormat derives the model format from the path suffix. Anything
// other than the two recognized suffixes is FormatUnknown and fails a load
// immediately.
func DetectFormat(path string) ModelFormat {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".tflite"):
		return FormatTFLite
	case strings.HasSuffix(lower, ".onnx"):
		return FormatONNX
	default:
		return FormatUnknown
	}
}

// Delegate is a hardware execution target for inference. Declaration order
// is the selection priority: accelerators are evaluated before the CPU
// fallback.
type Delegate int

const (
	DelegateDSP Delegate = iota
	DelegateGPU
	DelegateCPU
)

func (d Delegate) String() string {
	switch d {
	case DelegateDSP:
		return "dsp"
	case DelegateGPU:
		return "gpu"
	case DelegateCPU:
		return "cpu"
	default:
		return "unknown"
	}
}

// DelegateBenchmarkResult is one delegate's measured latency on the fixed
// micro-inference workload, taken at model load time.
type DelegateBenchmarkResult struct {
	Delegate Delegate
	Latency  time.Duration
}

// ModelDescriptor identifies a loaded model.
type ModelDescriptor struct {
	Path   string
	Format ModelFormat
}

// ModelConfig carries everything a backend needs to load a model.
type ModelConfig struct {
	ModelDescriptor
	PacketSamples int
	SampleRate    int
	Threads       int
}

// EngineState describes the manager's current model binding. At most one
// model is loaded at any instant; a new load fully unloads the previous one
// before any new state becomes observable.
type EngineState struct {
	Loaded    bool
	Model     ModelDescriptor
	Backend   string
	Delegate  Delegate
	Precision stability.Precision
}

// Package dsp implements the effects pipeline bracketing inference: echo
// cancellation and noise suppression ahead of the transform, compression or
// packet-loss concealment behind it. Every stage works in place on the
// shared packet buffer and never allocates on the hot path.
//
// Failure policy: a stage that receives invalid input (NaN samples, empty
// buffer) passes the buffer through unmodified for that call and reports a
// skip; no error ever escapes the graph into the audio thread.
package dsp

import (
	"math"

	"github.com/voxmorph/voxmorph-go/internal/errors"
)

// Stage is one in-place signal processor in the effects chain.
type Stage interface {
	// Name identifies the stage in logs.
	Name() string
	// Process transforms the buffer in place. A non-nil error means the
	// stage skipped the buffer and left it unmodified.
	Process(buf []float32) error
}

// Sentinel errors for stage input validation.
var (
	ErrEmptyBuffer   = errors.NewStd("dsp: empty buffer")
	ErrInvalidSample = errors.NewStd("dsp: buffer contains non-finite samples")
)

// validate rejects buffers a stage must not touch. Scanning is O(n) on data
// already resident in cache, negligible next to the stage's own pass.
func validate(buf []float32) error {
	if len(buf) == 0 {
		return ErrEmptyBuffer
	}
	for _, s := range buf {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return ErrInvalidSample
		}
	}
	return nil
}

// EchoCanceller suppresses signal reflected from output back into input.
// With a reference playback signal attached it subtracts the reference
// before gating; without one it degrades to noise gating only, which is a
// documented limitation rather than a failure.
type EchoCanceller struct {
	threshold float32
	reference []float32
}

// NewEchoCanceller creates a gate with the given energy threshold.
func NewEchoCanceller(threshold float64) *EchoCanceller {
	return &EchoCanceller{threshold: float32(threshold)}
}

// SetReference attaches the playback reference for the next packet. Pass nil
// to detach. The slice is borrowed, not copied; the caller must not mutate
// it until the next Process returns.
func (e *EchoCanceller) SetReference(ref []float32) {
	e.reference = ref
}

func (e *EchoCanceller) Name() string { return "echo-canceller" }

func (e *EchoCanceller) Process(buf []float32) error {
	if err := validate(buf); err != nil {
		return err
	}

	if e.reference != nil {
		n := min(len(buf), len(e.reference))
		for i := 0; i < n; i++ {
			buf[i] -= e.reference[i]
		}
	}

	for i := range buf {
		if abs32(buf[i]) < e.threshold {
			buf[i] = 0
		}
	}
	return nil
}

// NoiseSuppressor smooths broadband noise with a one-pole low-pass
// recurrence y[i] = alpha*x[i] + (1-alpha)*y[i-1]. The recurrence is
// recursive, so samples must be processed in index order.
type NoiseSuppressor struct {
	alpha float32
}

// NewNoiseSuppressor creates a suppressor with the given smoothing
// coefficient, 0 < alpha <= 1.
func NewNoiseSuppressor(alpha float64) *NoiseSuppressor {
	return &NoiseSuppressor{alpha: float32(alpha)}
}

func (n *NoiseSuppressor) Name() string { return "noise-suppressor" }

func (n *NoiseSuppressor) Process(buf []float32) error {
	if err := validate(buf); err != nil {
		return err
	}

	oneMinus := 1 - n.alpha
	for i := 1; i < len(buf); i++ {
		buf[i] = n.alpha*buf[i] + oneMinus*buf[i-1]
	}
	return nil
}

// Compressor is the multiband-compressor/limiter stage reduced to its hard
// contract: clip every sample to the ceiling. It is a pure per-sample
// function with no state across calls; output is never louder than input
// beyond the clip bound.
type Compressor struct {
	limit float32
}

// NewCompressor creates a limiter with the given ceiling, typically 0.99.
func NewCompressor(limit float64) *Compressor {
	return &Compressor{limit: float32(limit)}
}

func (c *Compressor) Name() string { return "compressor-limiter" }

func (c *Compressor) Process(buf []float32) error {
	if err := validate(buf); err != nil {
		return err
	}

	for i := range buf {
		if buf[i] > c.limit {
			buf[i] = c.limit
		} else if buf[i] < -c.limit {
			buf[i] = -c.limit
		}
	}
	return nil
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

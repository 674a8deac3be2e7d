package engine

import (
	"sync/atomic"

	"github.com/voxmorph/voxmorph-go/internal/errors"
)

// ErrBufferBusy is returned when the pipeline is invoked re-entrantly on a
// buffer that is still being processed. The caller guarantees single-writer
// semantics; this is the defensive backstop.
var ErrBufferBusy = errors.NewStd("engine: buffer already being processed")

// SharedAudioBuffer is a borrowed view over the caller-owned contiguous
// region of mono float32 samples. Every stage of one packet works in place
// on this region; the engine never reallocates it and never manages the
// underlying mapping's lifetime.
type SharedAudioBuffer struct {
	samples    []float32
	sampleRate int
	inUse      atomic.Bool
}

// NewSharedAudioBuffer wraps the caller's sample region. The slice is
// borrowed, not copied; the caller must keep it alive and must not resize it.
func NewSharedAudioBuffer(samples []float32, sampleRate int) *SharedAudioBuffer {
	return &SharedAudioBuffer{
		samples:    samples,
		sampleRate: sampleRate,
	}
}

// Samples returns the full underlying sample region.
func (b *SharedAudioBuffer) Samples() []float32 { return b.samples }

// Len returns the region's capacity in samples.
func (b *SharedAudioBuffer) Len() int { return len(b.samples) }

// SampleRate returns the negotiated sample rate in Hz.
func (b *SharedAudioBuffer) SampleRate() int { return b.sampleRate }

// Channels returns the channel count; the engine is fixed mono.
func (b *SharedAudioBuffer) Channels() int { return 1 }

// acquire marks the buffer in use for one packet. Returns false when a
// packet is already in flight on this buffer.
func (b *SharedAudioBuffer) acquire() bool {
	return b.inUse.CompareAndSwap(false, true)
}

// release clears the in-use mark.
func (b *SharedAudioBuffer) release() {
	b.inUse.Store(false)
}

// AudioPacket is the borrowed, exclusive-for-the-call view over one
// packet's worth of the shared buffer.
type AudioPacket struct {
	Samples    []float32
	SampleRate int
}

// Channels returns the packet channel count; fixed mono.
func (p AudioPacket) Channels() int { return 1 }

package engine

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxmorph/voxmorph-go/internal/dsp"
	"github.com/voxmorph/voxmorph-go/internal/errors"
	"github.com/voxmorph/voxmorph-go/internal/observability/metrics"
	"github.com/voxmorph/voxmorph-go/internal/stability"
)

// ErrPacketSize is returned when the caller reports more samples than the
// shared buffer holds.
var ErrPacketSize = errors.NewStd("engine: packet exceeds shared buffer")

// InferenceRunner is the slice of the inference manager the per-packet path
// needs. Narrow on purpose: the pipeline must not reach model management.
type InferenceRunner interface {
	RunInference(buf []float32, precision stability.Precision) error
}

// PacketPipeline orchestrates one packet: stability snapshot, pre-processing,
// in-place inference, post-processing (or the reduced bypass chain), with
// wall-clock timing published to the watchdog feed. Every path terminates;
// failures are returned, never thrown across the audio boundary.
type PacketPipeline struct {
	fx       *dsp.FXGraph
	runner   InferenceRunner
	ctrl     *stability.Controller
	feed     *stability.LatencyFeed
	deadline time.Duration

	transformEnabled atomic.Bool

	metrics *metrics.EngineMetrics
	log     *slog.Logger
}

// NewPacketPipeline wires the per-packet orchestrator.
func NewPacketPipeline(
	fx *dsp.FXGraph,
	runner InferenceRunner,
	ctrl *stability.Controller,
	feed *stability.LatencyFeed,
	deadline time.Duration,
	m *metrics.EngineMetrics,
) *PacketPipeline {
	return &PacketPipeline{
		fx:       fx,
		runner:   runner,
		ctrl:     ctrl,
		feed:     feed,
		deadline: deadline,
		metrics:  m,
		log:      getLogger(),
	}
}

// SetTransformEnabled switches between the full chain and bypass for
// subsequent packets.
func (p *PacketPipeline) SetTransformEnabled(enabled bool) {
	p.transformEnabled.Store(enabled)
}

// TransformEnabled reports whether the voice transform is active.
func (p *PacketPipeline) TransformEnabled() bool {
	return p.transformEnabled.Load()
}

// Process runs one packet of n samples through the pipeline. On failure the
// buffer is left in a playable state (unmodified by inference) so the
// caller can fall back to pass-through for that packet.
func (p *PacketPipeline) Process(buf *SharedAudioBuffer, n int) error {
	if n <= 0 || n > buf.Len() {
		return ErrPacketSize
	}
	if !buf.acquire() {
		return ErrBufferBusy
	}
	defer buf.release()

	start := time.Now()
	samples := buf.Samples()[:n]

	// One consistent snapshot per packet; both the precision passed to
	// inference and the post-processing branch derive from it.
	snap := p.ctrl.Snapshot()

	if !p.transformEnabled.Load() {
		p.fx.Bypass(samples)
		p.finish(start, "bypass")
		return nil
	}

	p.fx.PreProcess(samples)

	if err := p.runner.RunInference(samples, snap.Precision); err != nil {
		// Buffer already restored by the manager; surface the failure so
		// the caller falls back to pass-through for this packet.
		p.finish(start, "failure")
		p.log.Warn("inference failed for packet, caller should pass through",
			"samples", n,
			"error", err)
		return err
	}

	p.fx.PostProcess(samples, snap)
	p.finish(start, "success")
	return nil
}

// finish publishes timing to the watchdog feed and records the advisory
// deadline check. The watchdog makes the actual degradation decision on its
// own timeline; this is complementary in-call observability.
func (p *PacketPipeline) finish(start time.Time, status string) {
	elapsed := time.Since(start)
	p.feed.Publish(elapsed)
	p.metrics.RecordPacket(status, elapsed)

	if elapsed > p.deadline {
		p.metrics.RecordDeadlineOverrun()
		p.log.Warn("packet processing exceeded deadline",
			"elapsed", elapsed,
			"deadline", p.deadline,
			"status", status)
	}
}

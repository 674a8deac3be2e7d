package dsp

import (
	"log/slog"
	"sync"

	"github.com/voxmorph/voxmorph-go/internal/conf"
	"github.com/voxmorph/voxmorph-go/internal/logging"
	"github.com/voxmorph/voxmorph-go/internal/stability"
)

var (
	serviceLogger *slog.Logger
	loggerOnce    sync.Once
)

func getLogger() *slog.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logging.ForService("dsp")
	})
	return serviceLogger
}

// FXGraph is the ordered effects chain around inference. Stage order is
// fixed: echo cancellation ahead of noise suppression ahead of the
// transform; concealment or compression behind it, never both for the same
// packet.
type FXGraph struct {
	sampleRate int
	aec        *EchoCanceller
	ns         *NoiseSuppressor
	comp       *Compressor
	plc        *Concealer
	log        *slog.Logger
}

// NewFXGraph builds the effects chain from DSP settings. historySamples and
// fadeSamples for the concealer are derived from the packet size so the
// fade spans a few packet lengths regardless of the negotiated format.
func NewFXGraph(settings *conf.DSPSettings, sampleRate, packetSamples int) *FXGraph {
	historySamples := settings.ConcealHistoryCount * packetSamples
	fadeSamples := settings.ConcealFadePackets * packetSamples

	return &FXGraph{
		sampleRate: sampleRate,
		aec:        NewEchoCanceller(settings.GateThreshold),
		ns:         NewNoiseSuppressor(settings.SmoothingAlpha),
		comp:       NewCompressor(settings.LimiterCeiling),
		plc:        NewConcealer(historySamples, fadeSamples),
		log:        getLogger(),
	}
}

// SetReference attaches the playback reference signal for echo cancellation.
// Without a reference the canceller degrades to gating only.
func (g *FXGraph) SetReference(ref []float32) {
	g.aec.SetReference(ref)
}

// PreProcess runs the acoustic stages ahead of inference: echo cancellation
// then noise suppression, in that fixed order.
func (g *FXGraph) PreProcess(buf []float32) {
	g.runStage(g.aec, buf)
	g.runStage(g.ns, buf)
}

// PostProcess runs the output stages behind inference. While concealment is
// active the concealer runs alone: its output is already amplitude-safe and
// must not be reshaped by the limiter. Otherwise the compressor/limiter
// runs and the concealer keeps recording pre-loss history.
func (g *FXGraph) PostProcess(buf []float32, snap stability.Snapshot) {
	if snap.ConcealmentActive {
		g.plc.Activate()
		g.runStage(g.plc, buf)
		return
	}
	g.plc.Deactivate()
	g.runStage(g.comp, buf)
	g.runStage(g.plc, buf) // inactive concealer records the emitted signal as history
}

// Bypass is the reduced pass-through chain used while the transform is
// disabled: gate and limiter only. It never touches inference state.
func (g *FXGraph) Bypass(buf []float32) {
	g.runStage(g.aec, buf)
	g.runStage(g.comp, buf)
}

// runStage absorbs stage validation failures: the buffer passes through
// unmodified for that call and the skip is logged at debug level.
func (g *FXGraph) runStage(stage Stage, buf []float32) {
	if err := stage.Process(buf); err != nil {
		g.log.Debug("stage skipped invalid input",
			"stage", stage.Name(),
			"samples", len(buf),
			"error", err)
	}
}

package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxmorph/voxmorph-go/internal/conf"
	"github.com/voxmorph/voxmorph-go/internal/stability"
)

func testDSPSettings() *conf.DSPSettings {
	return &conf.DSPSettings{
		GateThreshold:       0.005,
		SmoothingAlpha:      0.95,
		LimiterCeiling:      0.99,
		ConcealFadePackets:  3,
		ConcealHistoryCount: 4,
	}
}

func TestFXGraphBypassGatesAndLimits(t *testing.T) {
	g := NewFXGraph(testDSPSettings(), 48000, 96)

	buf := []float32{0.003, 1.5, -1.5, 0.5}
	g.Bypass(buf)

	assert.Equal(t, float32(0), buf[0], "gate removes sub-threshold samples")
	assert.Equal(t, float32(0.99), buf[1], "limiter clamps positive overshoot")
	assert.Equal(t, float32(-0.99), buf[2], "limiter clamps negative overshoot")
	assert.Equal(t, float32(0.5), buf[3], "in-range samples pass untouched")
}

func TestFXGraphBypassNeverSmooths(t *testing.T) {
	g := NewFXGraph(testDSPSettings(), 48000, 96)

	// The one-pole suppressor would blur this impulse; bypass must not.
	buf := []float32{0.9, 0.0, 0.9}
	g.Bypass(buf)
	assert.Equal(t, []float32{0.9, 0.0, 0.9}, buf)
}

func TestFXGraphPostProcessNormalModeLimits(t *testing.T) {
	g := NewFXGraph(testDSPSettings(), 48000, 96)
	snap := stability.Snapshot{Mode: stability.ModeNormal}

	buf := []float32{1.2, -1.2, 0.4}
	g.PostProcess(buf, snap)

	assert.Equal(t, float32(0.99), buf[0])
	assert.Equal(t, float32(-0.99), buf[1])
	assert.Equal(t, float32(0.4), buf[2])
	assert.False(t, g.plc.Active())
}

func TestFXGraphPostProcessDegradedConcealsOnly(t *testing.T) {
	const packetSamples = 96
	g := NewFXGraph(testDSPSettings(), 48000, packetSamples)

	// Record one packet of history through the normal path first. Use a
	// value above the limiter ceiling to prove concealment replays the
	// emitted (limited) signal, not the raw one.
	history := make([]float32, packetSamples)
	for i := range history {
		history[i] = 2.0
	}
	g.PostProcess(history, stability.Snapshot{Mode: stability.ModeNormal})

	degraded := stability.Snapshot{
		Mode:              stability.ModeDegraded,
		ConcealmentActive: true,
		Precision:         stability.PrecisionFP16,
	}
	buf := make([]float32, packetSamples)
	g.PostProcess(buf, degraded)

	assert.True(t, g.plc.Active())
	assert.InDelta(t, 0.99, buf[0], 1e-6, "concealment starts from the limited pre-loss signal")
	for i, s := range buf {
		assert.LessOrEqual(t, abs32(s), float32(0.99), "sample %d bounded by pre-loss peak", i)
	}

	// Back to normal: concealment deactivates and the limiter returns.
	restored := make([]float32, packetSamples)
	restored[0] = 1.5
	g.PostProcess(restored, stability.Snapshot{Mode: stability.ModeNormal})
	assert.False(t, g.plc.Active())
	assert.Equal(t, float32(0.99), restored[0])
}

func TestFXGraphPreProcessOrder(t *testing.T) {
	g := NewFXGraph(testDSPSettings(), 48000, 96)

	// A sub-threshold leading sample is gated before smoothing, so it
	// contributes nothing to the recurrence.
	buf := []float32{0.004, 1.0}
	g.PreProcess(buf)

	assert.Equal(t, float32(0), buf[0])
	assert.InDelta(t, 0.95, buf[1], 1e-6)
}

func TestFXGraphAbsorbsInvalidInput(t *testing.T) {
	g := NewFXGraph(testDSPSettings(), 48000, 96)

	buf := []float32{0.5, float32(math.NaN())}
	require.NotPanics(t, func() {
		g.PreProcess(buf)
		g.PostProcess(buf, stability.Snapshot{Mode: stability.ModeNormal})
		g.Bypass(buf)
	})
	assert.Equal(t, float32(0.5), buf[0], "invalid packets pass through unmodified")
}

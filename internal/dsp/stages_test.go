package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoCancellerGatesBelowThreshold(t *testing.T) {
	aec := NewEchoCanceller(0.005)

	buf := []float32{0.004, -0.0049, 0.005, 0.1, -0.2}
	require.NoError(t, aec.Process(buf))

	assert.Equal(t, float32(0), buf[0])
	assert.Equal(t, float32(0), buf[1])
	assert.Equal(t, float32(0.005), buf[2], "samples at the threshold pass")
	assert.Equal(t, float32(0.1), buf[3])
	assert.Equal(t, float32(-0.2), buf[4])
}

func TestEchoCancellerSubtractsReference(t *testing.T) {
	aec := NewEchoCanceller(0.005)
	aec.SetReference([]float32{0.5, 0.5})

	buf := []float32{0.8, 0.5, 0.3}
	require.NoError(t, aec.Process(buf))

	assert.InDelta(t, 0.3, buf[0], 1e-6)
	assert.Equal(t, float32(0), buf[1], "fully cancelled sample falls under the gate")
	assert.Equal(t, float32(0.3), buf[2], "samples beyond the reference are untouched")
}

func TestEchoCancellerSilencePassesThrough(t *testing.T) {
	aec := NewEchoCanceller(0.005)

	buf := make([]float32, 64)
	require.NoError(t, aec.Process(buf))
	for i, s := range buf {
		assert.Equal(t, float32(0), s, "sample %d", i)
	}
}

func TestNoiseSuppressorRecurrence(t *testing.T) {
	ns := NewNoiseSuppressor(0.95)

	buf := []float32{1.0, 0.0, 0.0}
	require.NoError(t, ns.Process(buf))

	// y[0] = x[0]; y[i] = 0.95*x[i] + 0.05*y[i-1]
	assert.Equal(t, float32(1.0), buf[0])
	assert.InDelta(t, 0.05, buf[1], 1e-6)
	assert.InDelta(t, 0.0025, buf[2], 1e-6)
}

func TestNoiseSuppressorSingleSampleUnchanged(t *testing.T) {
	ns := NewNoiseSuppressor(0.95)

	buf := []float32{0.7}
	require.NoError(t, ns.Process(buf))
	assert.Equal(t, float32(0.7), buf[0])
}

func TestCompressorClampsToCeiling(t *testing.T) {
	comp := NewCompressor(0.99)

	buf := []float32{1.5, -2.0, 0.5, 0.99, -0.99}
	require.NoError(t, comp.Process(buf))

	assert.Equal(t, float32(0.99), buf[0])
	assert.Equal(t, float32(-0.99), buf[1])
	assert.Equal(t, float32(0.5), buf[2])
	assert.Equal(t, float32(0.99), buf[3])
	assert.Equal(t, float32(-0.99), buf[4])

	for _, s := range buf {
		assert.LessOrEqual(t, abs32(s), float32(0.99))
	}
}

func TestStagesRejectInvalidInput(t *testing.T) {
	stages := []Stage{
		NewEchoCanceller(0.005),
		NewNoiseSuppressor(0.95),
		NewCompressor(0.99),
		NewConcealer(960, 960),
	}

	for _, stage := range stages {
		t.Run(stage.Name(), func(t *testing.T) {
			err := stage.Process(nil)
			assert.ErrorIs(t, err, ErrEmptyBuffer)

			nan := []float32{0.1, float32(math.NaN()), 0.2}
			err = stage.Process(nan)
			assert.ErrorIs(t, err, ErrInvalidSample)
			assert.Equal(t, float32(0.1), nan[0], "skipped buffer must be unmodified")
			assert.Equal(t, float32(0.2), nan[2], "skipped buffer must be unmodified")

			inf := []float32{float32(math.Inf(1))}
			assert.ErrorIs(t, stage.Process(inf), ErrInvalidSample)
		})
	}
}

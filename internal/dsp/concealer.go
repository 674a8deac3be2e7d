package dsp

import "sync/atomic"

// Concealer synthesizes a plausible continuation of the signal while the
// engine runs degraded. While inactive it records pre-loss history; while
// active it replays that history with a monotonically decaying gain until
// the fade window is exhausted, then emits silence. The synthesis is
// deterministic given the same pre-loss history, introduces no energy above
// the pre-loss peak, and avoids abrupt discontinuities.
//
// Pitch-synchronous waveform extrapolation would slot in here; the fade is
// the minimum acceptable behavior the contract asks for.
//
// Activate and Deactivate are idempotent flags driven by the stability
// snapshot. Process must only be called from the audio thread.
type Concealer struct {
	active atomic.Bool

	history  []float32 // circular pre-loss window
	histLen  int       // valid samples in history
	writePos int

	// concealment episode state, reset when recording resumes
	engaged   bool
	playPos   int
	fadePos   int
	fadeTotal int
	peak      float32
}

// NewConcealer creates a concealer recording historySamples of pre-loss
// audio and fading to silence over fadeSamples once activated.
func NewConcealer(historySamples, fadeSamples int) *Concealer {
	if historySamples <= 0 {
		historySamples = 1
	}
	if fadeSamples <= 0 {
		fadeSamples = historySamples
	}
	return &Concealer{
		history:   make([]float32, historySamples),
		fadeTotal: fadeSamples,
	}
}

// Activate switches concealment on. Idempotent.
func (c *Concealer) Activate() {
	c.active.Store(true)
}

// Deactivate switches concealment off. Idempotent.
func (c *Concealer) Deactivate() {
	c.active.Store(false)
}

// Active reports whether concealment is switched on.
func (c *Concealer) Active() bool {
	return c.active.Load()
}

func (c *Concealer) Name() string { return "packet-loss-concealer" }

func (c *Concealer) Process(buf []float32) error {
	if err := validate(buf); err != nil {
		return err
	}

	if !c.active.Load() {
		c.record(buf)
		return nil
	}
	c.conceal(buf)
	return nil
}

// record appends the packet to the circular history window and resets any
// previous concealment episode.
func (c *Concealer) record(buf []float32) {
	c.engaged = false
	for _, s := range buf {
		c.history[c.writePos] = s
		c.writePos = (c.writePos + 1) % len(c.history)
	}
	if c.histLen < len(c.history) {
		c.histLen = min(c.histLen+len(buf), len(c.history))
	}
}

// conceal overwrites the packet with the decaying continuation.
func (c *Concealer) conceal(buf []float32) {
	if c.histLen == 0 {
		// No pre-loss history: silence is the only safe continuation.
		for i := range buf {
			buf[i] = 0
		}
		return
	}

	if !c.engaged {
		c.engaged = true
		c.fadePos = 0
		// Continue from where recording stopped to avoid a discontinuity.
		c.playPos = c.writePos % c.histLen
		c.peak = 0
		for i := 0; i < c.histLen; i++ {
			if a := abs32(c.history[i]); a > c.peak {
				c.peak = a
			}
		}
	}

	for i := range buf {
		if c.fadePos >= c.fadeTotal {
			buf[i] = 0
			continue
		}
		gain := 1 - float32(c.fadePos)/float32(c.fadeTotal)
		buf[i] = c.history[c.playPos] * gain
		c.playPos = (c.playPos + 1) % c.histLen
		c.fadePos++
	}
}

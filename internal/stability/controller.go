// Package stability implements the degradation state machine, the best-effort
// realtime OS resource requests, and the watchdog that supervises packet
// latency. Degraded mode trades quality (FP16 precision, concealment) for a
// bounded latency guarantee; the controller owns the only mutable state and
// all transitions are idempotent.
package stability

import (
	"log/slog"
	"sync"

	"github.com/voxmorph/voxmorph-go/internal/observability/metrics"
)

// Mode is the engine quality mode.
type Mode int

const (
	// ModeNormal runs full precision with concealment inactive.
	ModeNormal Mode = iota
	// ModeDegraded runs reduced precision with concealment active.
	ModeDegraded
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Precision is the numeric width the inference backend runs at. Lower width
// trades accuracy for speed.
type Precision int

const (
	PrecisionFP32 Precision = iota
	PrecisionFP16
	PrecisionINT8
)

func (p Precision) String() string {
	switch p {
	case PrecisionFP32:
		return "fp32"
	case PrecisionFP16:
		return "fp16"
	case PrecisionINT8:
		return "int8"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent read of the stability state, taken once per packet.
// Invariants: ConcealmentActive iff Mode == ModeDegraded; Precision is FP16
// while degraded and FP32 while normal.
type Snapshot struct {
	Mode              Mode
	ConcealmentActive bool
	Precision         Precision
}

// Controller owns the two-state degradation machine and the realtime OS
// resource requests. Transitions run under a single short critical section;
// readers take a Snapshot instead of holding the lock across processing.
type Controller struct {
	mu          sync.Mutex
	mode        Mode
	concealment bool
	precision   Precision

	metrics *metrics.EngineMetrics
	log     *slog.Logger
}

// NewController creates a controller in normal mode at full precision.
func NewController(m *metrics.EngineMetrics) *Controller {
	return &Controller{
		mode:      ModeNormal,
		precision: PrecisionFP32,
		metrics:   m,
		log:       getLogger(),
	}
}

// ForceDegradation switches to degraded mode: FP16 precision, concealment
// active. No-op when already degraded.
func (c *Controller) ForceDegradation() {
	c.mu.Lock()
	if c.mode == ModeDegraded {
		c.mu.Unlock()
		return
	}
	c.mode = ModeDegraded
	c.precision = PrecisionFP16
	c.concealment = true
	c.mu.Unlock()

	c.metrics.RecordTransition("degrade")
	c.log.Warn("stability degradation forced",
		"precision", PrecisionFP16.String(),
		"concealment", true)
}

// RestorePerformance returns to normal mode: FP32 precision, concealment
// inactive. No-op when already normal.
func (c *Controller) RestorePerformance() {
	c.mu.Lock()
	if c.mode == ModeNormal {
		c.mu.Unlock()
		return
	}
	c.mode = ModeNormal
	c.precision = PrecisionFP32
	c.concealment = false
	c.mu.Unlock()

	c.metrics.RecordTransition("restore")
	c.log.Info("stability restored",
		"precision", PrecisionFP32.String(),
		"concealment", false)
}

// Snapshot returns a consistent copy of the current state. Readers call this
// once per packet; the snapshot may be stale by at most one packet.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Mode:              c.mode,
		ConcealmentActive: c.concealment,
		Precision:         c.precision,
	}
}

// RequestRealTimeScheduling asks the OS for the highest fixed-priority
// realtime scheduling class for the calling thread. Refusal is logged and
// non-fatal; the engine continues at default scheduling.
func (c *Controller) RequestRealTimeScheduling() bool {
	if err := setRealTimePriority(); err != nil {
		c.log.Warn("realtime scheduling request refused, continuing at default priority",
			"error", err)
		return false
	}
	c.log.Info("realtime scheduling acquired for audio thread")
	return true
}

// PinMemory asks the OS to lock the sample region into physical memory so it
// cannot be paged out mid-packet. Refusal is logged and non-fatal.
func (c *Controller) PinMemory(samples []float32) bool {
	if len(samples) == 0 {
		return false
	}
	if err := pinMemory(samples); err != nil {
		c.log.Warn("memory pinning request refused, buffer may be paged",
			"samples", len(samples),
			"error", err)
		return false
	}
	c.log.Info("shared audio buffer pinned in physical memory",
		"samples", len(samples))
	return true
}

// UnpinMemory releases a previous pin. Safe to call when the pin failed.
func (c *Controller) UnpinMemory(samples []float32) {
	if len(samples) == 0 {
		return
	}
	if err := unpinMemory(samples); err != nil {
		c.log.Debug("memory unpin failed", "error", err)
	}
}

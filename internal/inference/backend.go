package inference

import "github.com/voxmorph/voxmorph-go/internal/stability"

// Backend adapts one hardware execution target. Implementations run the
// voice transform in place on the packet buffer and must leave the buffer
// untouched when Run returns an error; the manager additionally restores
// from its scratch copy as a second line of defense.
type Backend interface {
	// Name identifies the backend implementation in logs and state.
	Name() string

	// Delegate returns the hardware target this backend executes on.
	Delegate() Delegate

	// Format returns the model format this backend can load.
	Format() ModelFormat

	// Available reports whether the hardware target can be used on this
	// host. Unavailable backends are skipped by delegate selection.
	Available() bool

	// Load prepares the model for inference. Called from the control path;
	// may block on file I/O and allocation.
	Load(cfg ModelConfig) error

	// Run executes the transform in place on buf at the given precision.
	// Called once per packet from the audio thread; must not allocate.
	Run(buf []float32, precision stability.Precision) error

	// Close releases backend resources. Idempotent.
	Close() error
}

//go:build linux

package stability

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux SCHED_FIFO priorities span the fixed range 1..99.
const schedFIFOPriorityMax = 99

// setRealTimePriority requests SCHED_FIFO at the maximum priority for the
// calling thread. The kernel may refuse for threads without the needed
// rtprio limits; callers treat that as a warning.
func setRealTimePriority() error {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: schedFIFOPriorityMax,
	}
	// Pid 0 targets the calling thread.
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("sched_setattr(SCHED_FIFO, %d): %w", schedFIFOPriorityMax, err)
	}
	return nil
}

// pinMemory mlocks the sample region so it cannot be swapped out.
func pinMemory(samples []float32) error {
	return unix.Mlock(float32AsBytes(samples))
}

// unpinMemory releases an mlock.
func unpinMemory(samples []float32) error {
	return unix.Munlock(float32AsBytes(samples))
}

func float32AsBytes(samples []float32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&samples[0])), len(samples)*4)
}

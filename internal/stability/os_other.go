//go:build !linux

package stability

import "github.com/voxmorph/voxmorph-go/internal/errors"

var errUnsupported = errors.NewStd("realtime resource requests not supported on this platform")

func setRealTimePriority() error {
	return errUnsupported
}

func pinMemory(samples []float32) error {
	return errUnsupported
}

func unpinMemory(samples []float32) error {
	return nil
}

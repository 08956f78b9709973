//go:build !linux

package capture

import "errors"

// KernelSource tails the kernel log. It is only available on Linux.
type KernelSource struct {
	*base
}

// NewKernelSource reports errors.ErrUnsupported on this platform.
func NewKernelSource(Options) (*KernelSource, error) {
	return nil, errors.ErrUnsupported
}

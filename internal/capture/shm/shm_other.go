//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !windows

package shm

import (
	"errors"
	"time"
)

type sysChannel struct{}

func createSys(bool) ([]byte, *sysChannel, error) {
	return nil, nil, errors.ErrUnsupported
}

func (*sysChannel) setBufferReady() error                     { return errors.ErrUnsupported }
func (*sysChannel) waitDataReady(time.Duration) (bool, error) { return false, errors.ErrUnsupported }
func (*sysChannel) interrupt()                                {}
func (*sysChannel) close([]byte) error                        { return nil }

type sysWriter struct{}

func openWriterSys(bool) ([]byte, *sysWriter, error) {
	return nil, nil, errors.ErrUnsupported
}

func (*sysWriter) lock() error                                 { return errors.ErrUnsupported }
func (*sysWriter) unlock()                                     {}
func (*sysWriter) waitBufferReady(time.Duration) (bool, error) { return false, errors.ErrUnsupported }
func (*sysWriter) setDataReady() error                         { return errors.ErrUnsupported }
func (*sysWriter) close([]byte) error                          { return nil }

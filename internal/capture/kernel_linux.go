//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/phuslu/log"
	"golang.org/x/sys/unix"
)

// KernelSource tails the kernel ring buffer through /dev/kmsg.
type KernelSource struct {
	*base
	fd   int
	stop [2]int

	stopClose sync.Once
}

// NewKernelSource opens /dev/kmsg positioned at the newest record.
// Reading it needs CAP_SYSLOG unless dmesg_restrict is off.
func NewKernelSource(opts Options) (*KernelSource, error) {
	fd, err := unix.Open("/dev/kmsg", unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("%w: /dev/kmsg: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("open /dev/kmsg: %w", err)
	}
	if _, err := unix.Seek(fd, 0, io.SeekEnd); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("seek /dev/kmsg: %w", err)
	}
	s := &KernelSource{base: newBase(KindKernel, "kernel messages", opts), fd: fd}
	if err := unix.Pipe2(s.stop[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stop pipe: %w", err)
	}
	s.unblock = func() { unix.Write(s.stop[1], []byte{1}) }
	s.start(s.loop)
	return s, nil
}

func (s *KernelSource) loop(ctx context.Context) {
	defer s.release()
	buf := make([]byte, 8192)
	for ctx.Err() == nil {
		fds := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(s.stop[0]), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Error().Err(err).Msg("kernel capture poll failed")
			return
		}
		if fds[1].Revents != 0 {
			return
		}
		// Each read returns exactly one record.
		for {
			n, err := unix.Read(s.fd, buf)
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			if errors.Is(err, unix.EPIPE) {
				// Records were overwritten before we read them.
				continue
			}
			if err != nil {
				log.Error().Err(err).Msg("kernel capture read failed")
				s.addMessage(0, KernelName, "kernel capture stopped: "+err.Error())
				return
			}
			if msg, ok := parseKmsgRecord(buf[:n]); ok {
				s.addMessage(0, KernelName, msg)
			}
		}
	}
}

func (s *KernelSource) release() {
	unix.Close(s.fd)
	s.setEnd()
}

// Abort stops the capture goroutine. The stop pipe outlives the goroutine
// so that a late Abort never writes to a recycled descriptor.
func (s *KernelSource) Abort() {
	s.base.Abort()
	s.stopClose.Do(func() {
		unix.Close(s.stop[0])
		unix.Close(s.stop[1])
	})
}

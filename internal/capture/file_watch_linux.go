//go:build linux

package capture

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// inotifyWatch waits for IN_MODIFY events on the tailed file.
type inotifyWatch struct {
	fd   int
	stop [2]int

	mu     sync.Mutex
	woken  bool
	closed bool
}

func newChangeWatch(path string) changeWatch {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return newPollWatch()
	}
	if _, err := unix.InotifyAddWatch(fd, path, unix.IN_MODIFY|unix.IN_ATTRIB|unix.IN_CLOSE_WRITE); err != nil {
		unix.Close(fd)
		return newPollWatch()
	}
	w := &inotifyWatch{fd: fd}
	if err := unix.Pipe2(w.stop[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return newPollWatch()
	}
	return w
}

func (w *inotifyWatch) wait(_ context.Context, timeout time.Duration) bool {
	fds := []unix.PollFd{
		{Fd: int32(w.fd), Events: unix.POLLIN},
		{Fd: int32(w.stop[0]), Events: unix.POLLIN},
	}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil || n == 0 || fds[1].Revents != 0 {
		return false
	}
	buf := make([]byte, 4096)
	for {
		if n, err := unix.Read(w.fd, buf); n <= 0 || err != nil {
			break
		}
	}
	return true
}

func (w *inotifyWatch) wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.woken {
		return
	}
	w.woken = true
	unix.Write(w.stop[1], []byte{1})
}

func (w *inotifyWatch) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	unix.Close(w.fd)
	unix.Close(w.stop[0])
	unix.Close(w.stop[1])
}

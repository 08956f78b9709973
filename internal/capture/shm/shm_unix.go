//go:build linux || darwin || freebsd || netbsd || openbsd

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// GlobalDir holds the system-wide namespace; creating it usually needs root.
var GlobalDir = "/run/nanotrace"

// namespaceDir returns the directory that plays the role of the kernel
// object namespace. The local namespace is private to the user.
func namespaceDir(global bool) string {
	if global {
		return GlobalDir
	}
	return filepath.Join(os.TempDir(), "nanotrace-"+strconv.Itoa(os.Getuid()))
}

func mapErr(op string, err error) error {
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EROFS) {
		return fmt.Errorf("%s: %w: %v", op, ErrPermission, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// signal is an auto-reset event backed by a FIFO. A pending byte means set.
type signal struct {
	fd int
}

func openSignal(path string, create bool) (signal, error) {
	if create {
		_ = unix.Unlink(path)
		if err := unix.Mkfifo(path, 0666); err != nil {
			return signal{fd: -1}, mapErr("mkfifo "+path, err)
		}
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return signal{fd: -1}, ErrNoReader
		}
		return signal{fd: -1}, mapErr("open "+path, err)
	}
	return signal{fd: fd}, nil
}

func (s signal) set() error {
	_, err := unix.Write(s.fd, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (s signal) reset() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s signal) close() {
	if s.fd >= 0 {
		unix.Close(s.fd)
	}
}

// wait blocks until s is set, stopFd becomes readable or timeout elapses.
// A negative stopFd is ignored by poll.
func wait(s signal, stopFd int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ms := -1
		if timeout >= 0 {
			ms = int(time.Until(deadline) / time.Millisecond)
			if ms < 0 {
				ms = 0
			}
		}
		fds := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(stopFd), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if stopFd >= 0 && fds[1].Revents != 0 {
			return false, ErrInterrupted
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			s.reset()
			return true, nil
		}
	}
}

type sysChannel struct {
	dir         string
	bufFd       int
	bufferReady signal
	dataReady   signal
	stop        [2]int
	stopOnce    sync.Once
}

func createSys(global bool) ([]byte, *sysChannel, error) {
	dir := namespaceDir(global)
	perm := os.FileMode(0700)
	if global {
		perm = 0777 | os.ModeSticky
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return nil, nil, mapErr("create namespace", err)
	}

	path := filepath.Join(dir, BufferName)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0666)
	if err != nil {
		return nil, nil, mapErr("open "+path, err)
	}
	// The lock marks a live reader; a file left by a dead one is reclaimed.
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil, ErrExists
		}
		return nil, nil, mapErr("lock "+path, err)
	}

	sc := &sysChannel{dir: dir, bufFd: fd, bufferReady: signal{fd: -1}, dataReady: signal{fd: -1}, stop: [2]int{-1, -1}}
	region, err := sc.init()
	if err != nil {
		sc.close(region)
		return nil, nil, err
	}
	return region, sc, nil
}

func (sc *sysChannel) init() ([]byte, error) {
	if err := unix.Ftruncate(sc.bufFd, BufferSize); err != nil {
		return nil, mapErr("truncate", err)
	}
	region, err := unix.Mmap(sc.bufFd, 0, BufferSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, mapErr("mmap", err)
	}
	clear(region)

	if sc.bufferReady, err = openSignal(filepath.Join(sc.dir, BufferReadyName), true); err != nil {
		return region, err
	}
	if sc.dataReady, err = openSignal(filepath.Join(sc.dir, DataReadyName), true); err != nil {
		return region, err
	}

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return region, fmt.Errorf("stop pipe: %w", err)
	}
	sc.stop = p
	if err := unix.SetNonblock(sc.stop[1], true); err != nil {
		return region, fmt.Errorf("stop pipe: %w", err)
	}
	return region, nil
}

func (sc *sysChannel) setBufferReady() error {
	return sc.bufferReady.set()
}

func (sc *sysChannel) waitDataReady(timeout time.Duration) (bool, error) {
	return wait(sc.dataReady, sc.stop[0], timeout)
}

func (sc *sysChannel) interrupt() {
	sc.stopOnce.Do(func() {
		if sc.stop[1] >= 0 {
			unix.Write(sc.stop[1], []byte{1})
		}
	})
}

func (sc *sysChannel) close(region []byte) error {
	sc.interrupt()
	sc.bufferReady.close()
	sc.dataReady.close()
	for _, fd := range sc.stop {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
	var err error
	if region != nil {
		err = unix.Munmap(region)
	}
	// Unlink while still holding the lock so a new reader starts clean.
	unix.Unlink(filepath.Join(sc.dir, BufferReadyName))
	unix.Unlink(filepath.Join(sc.dir, DataReadyName))
	unix.Unlink(filepath.Join(sc.dir, BufferName))
	if cerr := unix.Close(sc.bufFd); err == nil {
		err = cerr
	}
	return err
}

type sysWriter struct {
	mutexFd     int
	bufferReady signal
	dataReady   signal
}

func openWriterSys(global bool) ([]byte, *sysWriter, error) {
	dir := namespaceDir(global)
	path := filepath.Join(dir, BufferName)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, nil, ErrNoReader
		}
		return nil, nil, mapErr("open "+path, err)
	}
	defer unix.Close(fd)

	// A shared lock succeeding means nobody holds the reader lock.
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err == nil {
		unix.Flock(fd, unix.LOCK_UN)
		return nil, nil, ErrNoReader
	}

	region, err := unix.Mmap(fd, 0, BufferSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, mapErr("mmap", err)
	}
	sw := &sysWriter{mutexFd: -1, bufferReady: signal{fd: -1}, dataReady: signal{fd: -1}}
	if sw.bufferReady, err = openSignal(filepath.Join(dir, BufferReadyName), false); err != nil {
		sw.close(region)
		return nil, nil, err
	}
	if sw.dataReady, err = openSignal(filepath.Join(dir, DataReadyName), false); err != nil {
		sw.close(region)
		return nil, nil, err
	}
	if sw.mutexFd, err = unix.Open(filepath.Join(dir, MutexName), unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0666); err != nil {
		sw.close(region)
		return nil, nil, mapErr("open mutex", err)
	}
	return region, sw, nil
}

func (sw *sysWriter) lock() error {
	for {
		err := unix.Flock(sw.mutexFd, unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (sw *sysWriter) unlock() {
	unix.Flock(sw.mutexFd, unix.LOCK_UN)
}

func (sw *sysWriter) waitBufferReady(timeout time.Duration) (bool, error) {
	return wait(sw.bufferReady, -1, timeout)
}

func (sw *sysWriter) setDataReady() error {
	return sw.dataReady.set()
}

func (sw *sysWriter) close(region []byte) error {
	sw.bufferReady.close()
	sw.dataReady.close()
	if sw.mutexFd >= 0 {
		unix.Close(sw.mutexFd)
	}
	if region == nil {
		return nil
	}
	return unix.Munmap(region)
}

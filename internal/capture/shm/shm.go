// Package shm implements the debug-output shared memory protocol: a single
// 4096-byte region guarded by two named signals. A producer waits for
// "buffer ready", writes {pid, text} into the region and raises
// "data ready"; the one reader consumes the record and raises
// "buffer ready" again.
package shm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"time"
	"unsafe"
)

const (
	// BufferSize is the exact size of the shared region.
	BufferSize = 4096
	// DataSize is the room left for NUL-terminated text after the pid.
	DataSize = BufferSize - 4

	BufferName      = "DBWIN_BUFFER"
	BufferReadyName = "DBWIN_BUFFER_READY"
	DataReadyName   = "DBWIN_DATA_READY"
	MutexName       = "DBWinMutex"
)

// CaptureBuffer is the layout of the shared region.
type CaptureBuffer struct {
	ProcessID uint32
	Data      [DataSize]byte
}

// Both array lengths must be non-negative, so the struct is exactly BufferSize.
var (
	_ [BufferSize - unsafe.Sizeof(CaptureBuffer{})]struct{}
	_ [unsafe.Sizeof(CaptureBuffer{}) - BufferSize]struct{}
)

var (
	// ErrExists means another reader already owns the region.
	ErrExists = errors.New("shm: capture region already exists")
	// ErrPermission means the namespace could not be created or opened.
	ErrPermission = errors.New("shm: permission denied")
	// ErrNoReader means a writer found no active reader.
	ErrNoReader = errors.New("shm: no active reader")
	// ErrInterrupted is returned by a wait that was woken by Interrupt.
	ErrInterrupted = errors.New("shm: wait interrupted")
	// ErrTimeout is returned when a writer gives up waiting for the reader.
	ErrTimeout = errors.New("shm: timed out waiting for buffer")
)

// Decode returns the pid and the text up to the first NUL of a region.
// The text is copied.
func Decode(region []byte) (uint32, []byte) {
	pid := binary.NativeEndian.Uint32(region[0:4])
	data := region[4:BufferSize]
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return pid, bytes.Clone(data)
}

// Encode writes pid and msg into region, truncating msg so that it stays
// NUL-terminated.
func Encode(region []byte, pid uint32, msg string) {
	binary.NativeEndian.PutUint32(region[0:4], pid)
	n := copy(region[4:BufferSize-1], msg)
	region[4+n] = 0
}

// Channel is the reader side of the protocol. Only one goroutine may call
// WaitDataReady and Record.
type Channel struct {
	region []byte
	sys    *sysChannel
	Global bool

	closeOnce sync.Once
	closeErr  error
}

// Create claims the capture region in the local or global namespace.
// It fails with ErrExists if another reader is active.
func Create(global bool) (*Channel, error) {
	region, sys, err := createSys(global)
	if err != nil {
		return nil, err
	}
	return &Channel{region: region, sys: sys, Global: global}, nil
}

// SignalBufferReady lets the next producer write into the region.
func (c *Channel) SignalBufferReady() error {
	return c.sys.setBufferReady()
}

// WaitDataReady blocks until a producer raised "data ready" (true), the
// timeout elapsed (false) or Interrupt was called (ErrInterrupted).
func (c *Channel) WaitDataReady(timeout time.Duration) (bool, error) {
	return c.sys.waitDataReady(timeout)
}

// Record returns a copy of the current record.
func (c *Channel) Record() (uint32, []byte) {
	return Decode(c.region)
}

// Interrupt wakes a blocked WaitDataReady. It is safe from any goroutine
// and may be called more than once.
func (c *Channel) Interrupt() {
	c.sys.interrupt()
}

// Close releases the signals and then the region. The reading goroutine
// must have returned before Close is called.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.sys.close(c.region)
		c.region = nil
	})
	return c.closeErr
}

// Writer is the producer side of the protocol.
type Writer struct {
	region []byte
	sys    *sysWriter
}

// OpenWriter attaches to an active reader's region.
func OpenWriter(global bool) (*Writer, error) {
	region, sys, err := openWriterSys(global)
	if err != nil {
		return nil, err
	}
	return &Writer{region: region, sys: sys}, nil
}

// Write sends one record. It waits up to timeout for the reader to release
// the buffer. Concurrent writers are serialized by a named lock.
func (w *Writer) Write(pid uint32, msg string, timeout time.Duration) error {
	if err := w.sys.lock(); err != nil {
		return err
	}
	defer w.sys.unlock()

	ok, err := w.sys.waitBufferReady(timeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTimeout
	}
	Encode(w.region, pid, msg)
	return w.sys.setDataReady()
}

// Close detaches from the region.
func (w *Writer) Close() error {
	err := w.sys.close(w.region)
	w.region = nil
	return err
}

// Package procinfo resolves process names from pids and process handles.
// Lookups never fail loudly: an unresolvable process has an empty name.
package procinfo

import (
	"sync"
	"sync/atomic"

	"github.com/coffersTech/nanotrace/internal/model"
)

// Handle is an OS reference to a process, opened when a line is captured
// so that the name can be resolved later even if the pid is recycled.
// Handles are reference counted: every queued line holds one reference.
type Handle struct {
	pid  uint32
	sys  sysHandle
	refs atomic.Int32

	nameOnce sync.Once
	name     string
}

// Open opens a handle to the process with the given pid.
func Open(pid uint32) (*Handle, error) {
	sys, err := openSys(pid)
	if err != nil {
		return nil, err
	}
	h := &Handle{pid: pid, sys: sys}
	h.refs.Store(1)
	return h, nil
}

// Acquire adds a reference that must be released with Close.
func (h *Handle) Acquire() model.ProcessHandle {
	h.refs.Add(1)
	return h
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	return h.sys.alive()
}

// PID returns the process id the handle was opened for.
func (h *Handle) PID() uint32 {
	return h.pid
}

// Close drops one reference and releases the OS handle with the last one.
func (h *Handle) Close() error {
	if h.refs.Add(-1) != 0 {
		return nil
	}
	return h.sys.close()
}

// Name returns the executable name of the process, or "" if it cannot be
// queried. A resolved name is remembered for the life of the handle.
func (h *Handle) Name() string {
	h.nameOnce.Do(func() {
		h.name = h.sys.name(h.pid)
	})
	return h.name
}

// Resolver resolves process names for captured lines.
type Resolver interface {
	NameByPid(pid uint32) string
	NameByHandle(h model.ProcessHandle) string
}

// System resolves names against the running operating system.
type System struct{}

// NameByPid looks up a process name by pid only.
func (System) NameByPid(pid uint32) string {
	return nameByPid(pid)
}

// NameByHandle prefers the handle when it is one of ours.
func (System) NameByHandle(h model.ProcessHandle) string {
	if h == nil {
		return ""
	}
	if n, ok := h.(interface{ Name() string }); ok {
		return n.Name()
	}
	return nameByPid(h.PID())
}

// Package capture implements the sources that acquire raw debug output and
// turn it into lines. Every source runs one capture goroutine, started by
// its constructor and stopped by Abort.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coffersTech/nanotrace/internal/model"
	"github.com/coffersTech/nanotrace/internal/procinfo"
)

var (
	// ErrSourceAlreadyActive means another reader owns the debug-output channel.
	ErrSourceAlreadyActive = errors.New("capture: debug output is already being captured")
	// ErrPermissionDenied means the source needs privileges the process lacks.
	ErrPermissionDenied = errors.New("capture: permission denied")
)

// Kind identifies the origin of a source.
type Kind int

const (
	KindLoopback Kind = iota
	KindDBWin
	KindKernel
	KindFile
	KindPipe
	KindProcess
	KindUDP
	KindAgent
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindLoopback:
		return "loopback"
	case KindDBWin:
		return "dbwin"
	case KindKernel:
		return "kernel"
	case KindFile:
		return "file"
	case KindPipe:
		return "pipe"
	case KindProcess:
		return "process"
	case KindUDP:
		return "udp"
	case KindAgent:
		return "agent"
	case KindHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// Source is one origin of debug lines.
type Source interface {
	ID() string
	Kind() Kind
	Description() string
	// Ready receives a value whenever lines are pending.
	Ready() <-chan struct{}
	// AtEnd reports that the source will produce no further lines.
	AtEnd() bool
	// GetLines takes every line queued since the previous call. It never
	// blocks on source I/O.
	GetLines() []model.Line
	SetAutoNewline(bool)
	// Abort stops the capture goroutine and waits for it to return. It is
	// safe to call from any goroutine other than the capture goroutine, and
	// more than once.
	Abort()
}

// Timer measures line times relative to a common reset point so that lines
// from different sources can be merged.
type Timer struct {
	mu    sync.RWMutex
	start time.Time
}

// NewTimer returns a timer reset to now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Reset moves the zero point to now.
func (t *Timer) Reset() {
	t.mu.Lock()
	t.start = time.Now()
	t.mu.Unlock()
}

// Seconds returns the monotonic time since the last reset.
func (t *Timer) Seconds() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Since(t.start).Seconds()
}

// Options are shared by every source of one capture session.
type Options struct {
	Timer       *Timer
	Resolver    procinfo.Resolver
	AutoNewline bool
}

func (o Options) withDefaults() Options {
	if o.Timer == nil {
		o.Timer = NewTimer()
	}
	if o.Resolver == nil {
		o.Resolver = procinfo.System{}
	}
	return o
}

// base holds the state every source shares: the pending queue, the ready
// signal and the lifecycle of the capture goroutine.
type base struct {
	id   string
	kind Kind
	desc string
	opts Options

	mu      sync.Mutex
	pending []model.InternalLine
	ready   chan struct{}

	autoNewline atomic.Bool
	atEnd       atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	abortOnce sync.Once
	// unblock wakes an OS wait that does not observe ctx.
	unblock func()
}

func newBase(kind Kind, desc string, opts Options) *base {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &base{
		id:     uuid.NewString(),
		kind:   kind,
		desc:   desc,
		opts:   opts,
		ready:  make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	b.autoNewline.Store(opts.AutoNewline)
	return b
}

func (b *base) ID() string                { return b.id }
func (b *base) Kind() Kind                { return b.kind }
func (b *base) Description() string       { return b.desc }
func (b *base) Ready() <-chan struct{}    { return b.ready }
func (b *base) AtEnd() bool               { return b.atEnd.Load() }
func (b *base) SetAutoNewline(value bool) { b.autoNewline.Store(value) }

func (b *base) now() (float64, model.FileTime) {
	return b.opts.Timer.Seconds(), model.Now()
}

func (b *base) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *base) add(lines ...model.InternalLine) {
	if len(lines) == 0 {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, lines...)
	b.mu.Unlock()
	b.signal()
}

// addMessage queues a line with a known process name, stamped now.
func (b *base) addMessage(pid uint32, name, msg string) {
	t, st := b.now()
	b.add(model.InternalLine{Time: t, SystemTime: st, ProcessID: pid, ProcessName: name, Message: msg})
}

// setEnd marks the source finished. Lines queued before remain drainable.
func (b *base) setEnd() {
	b.atEnd.Store(true)
	b.signal()
}

func (b *base) GetLines() []model.Line {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	lines := make([]model.Line, len(pending))
	for i, l := range pending {
		name := l.ProcessName
		switch {
		case l.Handle != nil:
			if name == "" {
				name = b.opts.Resolver.NameByHandle(l.Handle)
			}
			l.Handle.Close()
		case name == "" && l.ProcessID != 0:
			name = b.opts.Resolver.NameByPid(l.ProcessID)
		}
		lines[i] = model.Line{
			Time:        l.Time,
			SystemTime:  l.SystemTime,
			ProcessID:   l.ProcessID,
			ProcessName: name,
			Message:     l.Message,
		}
	}
	return lines
}

// start runs loop on the capture goroutine.
func (b *base) start(loop func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		loop(b.ctx)
	}()
}

func (b *base) Abort() {
	b.abortOnce.Do(func() {
		b.cancel()
		if b.unblock != nil {
			b.unblock()
		}
	})
	b.wg.Wait()
}

// acquire takes an extra reference on reference-counted handles.
func acquire(h model.ProcessHandle) model.ProcessHandle {
	if h == nil {
		return nil
	}
	if a, ok := h.(interface{ Acquire() model.ProcessHandle }); ok {
		return a.Acquire()
	}
	return h
}

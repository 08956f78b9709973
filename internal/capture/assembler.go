package capture

import (
	"github.com/coffersTech/nanotrace/internal/model"
)

// MaxLineLength bounds a pending line. A longer run of text without a
// terminator is split into lines of this length.
const MaxLineLength = 8192

// Chunk is one read of raw text from a process.
type Chunk struct {
	Time       float64
	SystemTime model.FileTime
	PID        uint32
	Name       string
	Handle     model.ProcessHandle
	Data       []byte
}

type assemblerKey struct {
	pid  uint32
	name string
}

type pendingLine struct {
	buf    []byte
	handle model.ProcessHandle
}

// Assembler turns arbitrary chunks into lines. Partial lines are kept per
// (pid, name) so interleaved writers do not corrupt each other. It is used
// by a single capture goroutine.
type Assembler struct {
	pending map[assemblerKey]*pendingLine
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[assemblerKey]*pendingLine)}
}

// Feed appends a chunk and returns the lines it completes. '\n' ends a line
// and '\r' is dropped. With autoNewline a non-empty remainder is completed
// at the end of the chunk.
func (a *Assembler) Feed(c Chunk, autoNewline bool) []model.InternalLine {
	key := assemblerKey{pid: c.PID, name: c.Name}
	p := a.pending[key]
	if p == nil {
		p = &pendingLine{}
		a.pending[key] = p
	}
	if c.Handle != nil {
		p.handle = c.Handle
	}

	var lines []model.InternalLine
	emit := func() {
		lines = append(lines, model.InternalLine{
			Time:        c.Time,
			SystemTime:  c.SystemTime,
			ProcessID:   c.PID,
			ProcessName: c.Name,
			Message:     string(p.buf),
			Handle:      acquire(p.handle),
		})
		p.buf = p.buf[:0]
	}

	for _, ch := range c.Data {
		switch ch {
		case '\r':
		case '\n':
			emit()
		default:
			if len(p.buf) == MaxLineLength {
				emit()
			}
			p.buf = append(p.buf, ch)
		}
	}
	if autoNewline && len(p.buf) > 0 {
		emit()
	}
	if len(p.buf) == 0 {
		delete(a.pending, key)
	}
	return lines
}

// Flush completes the pending remainder for one writer, if any. It is used
// when the writing process or stream has ended.
func (a *Assembler) Flush(pid uint32, name string, t float64, st model.FileTime) (model.InternalLine, bool) {
	key := assemblerKey{pid: pid, name: name}
	p, ok := a.pending[key]
	if !ok {
		return model.InternalLine{}, false
	}
	delete(a.pending, key)
	if len(p.buf) == 0 {
		return model.InternalLine{}, false
	}
	return model.InternalLine{
		Time:        t,
		SystemTime:  st,
		ProcessID:   pid,
		ProcessName: name,
		Message:     string(p.buf),
		Handle:      acquire(p.handle),
	}, true
}

// FlushPid completes the remainders of every writer with the given pid.
func (a *Assembler) FlushPid(pid uint32, t float64, st model.FileTime) []model.InternalLine {
	var lines []model.InternalLine
	for key := range a.pending {
		if key.pid != pid {
			continue
		}
		if line, ok := a.Flush(key.pid, key.name, t, st); ok {
			lines = append(lines, line)
		}
	}
	return lines
}

// FlushAll completes every pending remainder.
func (a *Assembler) FlushAll(t float64, st model.FileTime) []model.InternalLine {
	var lines []model.InternalLine
	for key := range a.pending {
		if line, ok := a.Flush(key.pid, key.name, t, st); ok {
			lines = append(lines, line)
		}
	}
	return lines
}

// Pending reports whether any partial line is buffered.
func (a *Assembler) Pending() bool {
	return len(a.pending) > 0
}

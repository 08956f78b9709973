package capture

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/phuslu/log"
)

// PipeSource reads a byte stream such as stdin or a named pipe.
type PipeSource struct {
	*base
	name string
	pid  uint32
	r    io.ReadCloser
}

// NewPipeSource reads r until it ends. Lines carry the given pid and name.
func NewPipeSource(opts Options, name string, pid uint32, r io.ReadCloser) *PipeSource {
	s := &PipeSource{base: newBase(KindPipe, name, opts), name: name, pid: pid, r: r}
	s.unblock = func() { r.Close() }
	s.start(func(ctx context.Context) {
		defer s.setEnd()
		s.readStream(ctx, s.r, s.pid, s.name)
	})
	return s
}

// NewStdinSource reads this process's standard input.
func NewStdinSource(opts Options) *PipeSource {
	return NewPipeSource(opts, "stdin", uint32(os.Getpid()), os.Stdin)
}

// readStream feeds r through an assembler until EOF, error or abort. The
// remainder is flushed as a final line.
func (b *base) readStream(ctx context.Context, r io.Reader, pid uint32, name string) {
	asm := NewAssembler()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t, st := b.now()
			b.add(asm.Feed(Chunk{Time: t, SystemTime: st, PID: pid, Name: name, Data: buf[:n]}, b.autoNewline.Load())...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && ctx.Err() == nil {
				log.Warn().Err(err).Str("stream", name).Msg("pipe read failed")
			}
			break
		}
	}
	t, st := b.now()
	b.add(asm.FlushAll(t, st)...)
}

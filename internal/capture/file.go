package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/coffersTech/nanotrace/internal/logfile"
	"github.com/coffersTech/nanotrace/internal/model"
)

// tailInterval bounds the wait for a change notification before the file
// size is polled.
const tailInterval = time.Second

// FileSource reads a log file and optionally keeps tailing it.
type FileSource struct {
	*base
	path        string
	keepTailing bool
	parser      *logfile.Parser
	file        *os.File
	offset      int64
	partial     []byte
	watch       changeWatch
}

// NewFileSource opens path. The format is detected from the file name and
// its first lines. Without keepTailing the source ends after reading the
// current content.
func NewFileSource(opts Options, path string, keepTailing bool) (*FileSource, error) {
	ft, err := logfile.Identify(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := &FileSource{
		base:        newBase(KindFile, path, opts),
		path:        path,
		keepTailing: keepTailing,
		parser:      logfile.NewParser(ft, filepath.Base(path)),
		file:        f,
	}
	if st, err := f.Stat(); err == nil {
		s.parser.Day = st.ModTime()
	}
	if keepTailing {
		s.watch = newChangeWatch(path)
		s.unblock = s.watch.wake
	}
	s.start(s.loop)
	return s, nil
}

func (s *FileSource) loop(ctx context.Context) {
	defer s.release()
	log.Debug().Str("path", s.path).Str("format", s.parser.Type.String()).Msg("file capture started")

	if !s.readToEOF() || !s.keepTailing {
		return
	}
	lastSize := s.offset
	for ctx.Err() == nil {
		changed := s.watch.wait(ctx, tailInterval)
		if ctx.Err() != nil {
			return
		}
		if !changed {
			st, err := os.Stat(s.path)
			if err != nil || st.Size() == lastSize {
				continue
			}
		}
		if !s.readToEOF() {
			return
		}
		lastSize = s.offset
	}
}

// readToEOF consumes complete lines up to the end of the file and resyncs
// if the file shrank. It returns false after a read error.
func (s *FileSource) readToEOF() bool {
	buf := make([]byte, 64*1024)
	for {
		n, err := s.file.Read(buf)
		if n > 0 {
			s.offset += int64(n)
			s.consume(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error().Err(err).Str("path", s.path).Msg("file capture read failed")
			s.addMessage(0, LoopbackName, "Stopped tailing "+s.path)
			return false
		}
	}

	st, err := s.file.Stat()
	if err != nil {
		s.addMessage(0, LoopbackName, "Stopped tailing "+s.path)
		return false
	}
	if size := st.Size(); size < s.offset {
		if _, err := s.file.Seek(size, io.SeekStart); err != nil {
			s.addMessage(0, LoopbackName, "Stopped tailing "+s.path)
			return false
		}
		s.offset = size
		s.partial = s.partial[:0]
		s.addMessage(0, LoopbackName, fmt.Sprintf("file shrank, resynced at offset %d", size))
	}
	return true
}

// consume splits data into lines; a trailing partial line waits for more.
// A partial line reaching MaxLineLength is emitted as a line of its own.
func (s *FileSource) consume(data []byte) {
	var lines []model.InternalLine
	emit := func(raw []byte) {
		if line, ok := s.parse(raw); ok {
			lines = append(lines, line)
		}
		s.partial = s.partial[:0]
	}
	for len(data) > 0 {
		room := MaxLineLength - len(s.partial)
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 || nl > room {
			take := min(len(data), room)
			s.partial = append(s.partial, data[:take]...)
			data = data[take:]
			if len(s.partial) == MaxLineLength {
				emit(s.partial)
			}
			continue
		}
		s.partial = append(s.partial, data[:nl]...)
		data = data[nl+1:]
		emit(bytes.TrimSuffix(s.partial, []byte{'\r'}))
	}
	s.add(lines...)
}

func (s *FileSource) parse(raw []byte) (model.InternalLine, bool) {
	t, st := s.now()
	line, ok, err := s.parser.Parse(string(raw))
	if err != nil {
		return model.InternalLine{Time: t, SystemTime: st, ProcessName: LoopbackName, Message: "Error parsing line: " + err.Error()}, true
	}
	if !ok {
		return model.InternalLine{}, false
	}
	if s.parser.Type == logfile.AsciiText || s.parser.Type == logfile.Unknown {
		line.Time, line.SystemTime = t, st
	}
	return model.InternalLine{
		Time:        line.Time,
		SystemTime:  line.SystemTime,
		ProcessID:   line.ProcessID,
		ProcessName: line.ProcessName,
		Message:     line.Message,
	}, true
}

func (s *FileSource) release() {
	s.file.Close()
	if s.watch != nil {
		s.watch.close()
	}
	s.setEnd()
	log.Debug().Str("path", s.path).Msg("file capture stopped")
}

// changeWatch waits for modifications of a file.
type changeWatch interface {
	// wait returns true on a change notification, false on timeout.
	wait(ctx context.Context, timeout time.Duration) bool
	wake()
	close()
}

// pollWatch has no notification source and always times out.
type pollWatch struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func newPollWatch() *pollWatch {
	return &pollWatch{stop: make(chan struct{})}
}

func (p *pollWatch) wait(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-p.stop:
	case <-t.C:
	}
	return false
}

func (p *pollWatch) wake() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *pollWatch) close() {}

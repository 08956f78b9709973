package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"github.com/coffersTech/nanotrace/internal/capture/shm"
	"github.com/coffersTech/nanotrace/internal/procinfo"
)

// handleCheckInterval is how often cached process handles are checked for
// exited processes whose partial lines must be flushed.
const handleCheckInterval = time.Second

// DBWinSource reads the shared-memory debug-output channel.
type DBWinSource struct {
	*base
	channel *shm.Channel
	asm     *Assembler
	handles map[uint32]*procinfo.Handle
}

// NewDBWinSource claims the local or global debug-output channel. It fails
// with ErrSourceAlreadyActive when another reader owns it and with
// ErrPermissionDenied when the namespace is not accessible.
func NewDBWinSource(opts Options, global bool) (*DBWinSource, error) {
	ch, err := shm.Create(global)
	if err != nil {
		return nil, mapChannelErr(err)
	}
	desc := "debug output (local)"
	if global {
		desc = "debug output (global)"
	}
	s := &DBWinSource{
		base:    newBase(KindDBWin, desc, opts),
		channel: ch,
		asm:     NewAssembler(),
		handles: make(map[uint32]*procinfo.Handle),
	}
	s.unblock = ch.Interrupt
	s.start(s.loop)
	return s, nil
}

func mapChannelErr(err error) error {
	switch {
	case errors.Is(err, shm.ErrExists):
		return ErrSourceAlreadyActive
	case errors.Is(err, shm.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}

// OpenDBWin starts the local reader and, if global is set, the global one.
// Failing to start the global reader only skips it; warn is told why.
func OpenDBWin(opts Options, global bool, warn func(string)) ([]Source, error) {
	local, err := NewDBWinSource(opts, false)
	if err != nil {
		return nil, err
	}
	sources := []Source{local}
	if !global {
		return sources, nil
	}
	g, err := NewDBWinSource(opts, true)
	switch {
	case err == nil:
		sources = append(sources, g)
	case errors.Is(err, ErrPermissionDenied):
		warn("Unable to capture global debug output: insufficient privileges.")
	case errors.Is(err, ErrSourceAlreadyActive):
		warn("Unable to capture global debug output: another capture is active.")
	default:
		warn(fmt.Sprintf("Unable to capture global debug output: %v", err))
	}
	return sources, nil
}

func (s *DBWinSource) loop(ctx context.Context) {
	defer s.release()
	log.Debug().Str("source", s.desc).Msg("capture started")

	lastCheck := time.Now()
	for {
		if err := s.channel.SignalBufferReady(); err != nil {
			log.Error().Err(err).Str("source", s.desc).Msg("signal buffer ready failed")
			return
		}
		ok, err := s.channel.WaitDataReady(handleCheckInterval)
		if errors.Is(err, shm.ErrInterrupted) || ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error().Err(err).Str("source", s.desc).Msg("wait for data failed")
			return
		}
		if ok {
			s.read()
		}
		if time.Since(lastCheck) >= handleCheckInterval {
			s.flushExited()
			lastCheck = time.Now()
		}
	}
}

func (s *DBWinSource) read() {
	pid, data := s.channel.Record()
	t, st := s.now()
	c := Chunk{Time: t, SystemTime: st, PID: pid, Data: data}
	if h := s.handle(pid); h != nil {
		c.Handle = h
	}
	lines := s.asm.Feed(c, s.autoNewline.Load())
	s.add(lines...)
}

func (s *DBWinSource) handle(pid uint32) *procinfo.Handle {
	if h, ok := s.handles[pid]; ok {
		return h
	}
	h, err := procinfo.Open(pid)
	if err != nil {
		return nil
	}
	s.handles[pid] = h
	return h
}

// flushExited completes partial lines of processes that have exited and
// releases their handles.
func (s *DBWinSource) flushExited() {
	for pid, h := range s.handles {
		if h.Alive() {
			continue
		}
		t, st := s.now()
		s.add(s.asm.FlushPid(pid, t, st)...)
		delete(s.handles, pid)
		h.Close()
	}
}

func (s *DBWinSource) release() {
	t, st := s.now()
	s.add(s.asm.FlushAll(t, st)...)
	for pid, h := range s.handles {
		delete(s.handles, pid)
		h.Close()
	}
	if err := s.channel.Close(); err != nil {
		log.Warn().Err(err).Str("source", s.desc).Msg("close channel")
	}
	s.setEnd()
	log.Debug().Str("source", s.desc).Msg("capture stopped")
}

package capture

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/phuslu/log"
)

// ProcessSource runs a child process and captures its stdout and stderr as
// two streams named "<name>:stdout" and "<name>:stderr". It is at end only
// after both streams ended and the child was reaped.
type ProcessSource struct {
	*base
	cmd  *exec.Cmd
	name string
}

// NewProcessSource starts path with args.
func NewProcessSource(opts Options, path string, args ...string) (*ProcessSource, error) {
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	name := filepath.Base(path)
	s := &ProcessSource{base: newBase(KindProcess, path, opts), cmd: cmd, name: name}
	s.unblock = func() {
		// Killing an exited child only returns an error. A grandchild may
		// still hold the pipes open, so the readers are woken by closing
		// our ends.
		cmd.Process.Kill()
		stdout.Close()
		stderr.Close()
	}

	pid := uint32(cmd.Process.Pid)
	var streams sync.WaitGroup
	streams.Add(2)
	s.start(func(ctx context.Context) {
		defer streams.Done()
		s.readStream(ctx, stdout, pid, name+":stdout")
	})
	s.start(func(ctx context.Context) {
		defer streams.Done()
		s.readStream(ctx, stderr, pid, name+":stderr")
	})
	// Wait closes the pipes, so it must follow both readers.
	s.start(func(ctx context.Context) {
		streams.Wait()
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		log.Debug().Str("process", name).Int("exit_code", code).Err(err).Msg("child exited")
		s.addMessage(0, LoopbackName, fmt.Sprintf("Process '%s' exited with code %d.", name, code))
		s.setEnd()
	})
	return s, nil
}

// PID returns the child's process id.
func (s *ProcessSource) PID() int {
	return s.cmd.Process.Pid
}

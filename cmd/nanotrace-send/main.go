// Command nanotrace-send writes debug lines to a running capture, through
// the shared-memory debug channel or as UDP datagrams.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/pflag"

	"github.com/coffersTech/nanotrace/internal/capture/shm"
)

// sender delivers one line.
type sender interface {
	Send(msg string) error
	Close() error
}

type shmSender struct {
	w       *shm.Writer
	pid     uint32
	timeout time.Duration
}

func (s *shmSender) Send(msg string) error { return s.w.Write(s.pid, msg, s.timeout) }
func (s *shmSender) Close() error          { return s.w.Close() }

type udpSender struct {
	conn net.Conn
}

func (s *udpSender) Send(msg string) error {
	_, err := s.conn.Write([]byte(msg))
	return err
}

func (s *udpSender) Close() error { return s.conn.Close() }

func main() {
	log.DefaultLogger = log.Logger{
		Level:  log.InfoLevel,
		Writer: &log.ConsoleWriter{Writer: os.Stderr, EndWithMessage: true},
	}
	if err := run(os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("send failed")
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("nanotrace-send", pflag.ContinueOnError)
	global := fs.Bool("global", false, "Write to the global debug channel")
	udpAddr := fs.String("udp", "", "Send datagrams to this address instead of shared memory")
	pid := fs.Uint32("pid", uint32(os.Getpid()), "Process id reported with each line")
	count := fs.Int("count", 1, "Send every message this many times")
	interval := fs.Duration("interval", 0, "Pause between messages")
	timeout := fs.Duration("timeout", time.Second, "Wait this long for the reader to free the buffer")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: nanotrace-send [flags] [message...]\n\nWithout messages, lines are read from standard input.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var s sender
	if *udpAddr != "" {
		conn, err := net.Dial("udp", *udpAddr)
		if err != nil {
			return err
		}
		s = &udpSender{conn: conn}
	} else {
		w, err := shm.OpenWriter(*global)
		if err != nil {
			return fmt.Errorf("no active capture: %w", err)
		}
		s = &shmSender{w: w, pid: *pid, timeout: *timeout}
	}
	defer s.Close()

	send := func(msg string) error {
		if !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
		for i := 0; i < *count; i++ {
			if err := s.Send(msg); err != nil {
				return err
			}
			if *interval > 0 {
				time.Sleep(*interval)
			}
		}
		return nil
	}

	if fs.NArg() > 0 {
		return send(strings.Join(fs.Args(), " "))
	}
	sc := bufio.NewScanner(os.Stdin)
	sent := 0
	for sc.Scan() {
		if err := send(sc.Text()); err != nil {
			return err
		}
		sent++
	}
	log.Debug().Int("lines", sent).Msg("input sent")
	return sc.Err()
}

// Package nanotrace is a slog.Handler that ships records to the nanotrace
// HTTP ingest endpoint.
package nanotrace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	batchSize     = 100
	flushInterval = time.Second
	queueSize     = 10000
)

type Options struct {
	ServerURL string
	// Process is the process name the lines are recorded under; it
	// defaults to the executable name.
	Process string
	// Level is the minimum level handled; the zero value is Info.
	Level slog.Leveler
	// Client defaults to a client with a five second timeout.
	Client *http.Client
}

// Record is one line in the ingest format.
type Record struct {
	PID     int    `json:"pid"`
	Process string `json:"process"`
	Message string `json:"message"`
}

// shipper is shared by a handler and every handler derived from it.
type shipper struct {
	opts       Options
	instanceID string
	queue      chan []byte
	done       chan struct{}
	wg         sync.WaitGroup
	once       sync.Once
}

type Handler struct {
	s      *shipper
	attrs  []slog.Attr
	groups []string
}

func NewHandler(opts Options) *Handler {
	if opts.Process == "" {
		opts.Process = filepath.Base(os.Args[0])
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Second}
	}
	s := &shipper{
		opts:       opts,
		instanceID: ensureInstanceID(),
		queue:      make(chan []byte, queueSize),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runLoop()
	return &Handler{s: s}
}

// InstanceID identifies this process across restarts.
func (h *Handler) InstanceID() string { return h.s.instanceID }

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.s.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		writeAttr(&sb, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, prefix, a)
		return true
	})

	data, err := json.Marshal(Record{PID: os.Getpid(), Process: h.s.opts.Process, Message: sb.String()})
	if err != nil {
		return err
	}
	select {
	case h.s.queue <- data:
	default:
		fmt.Fprintf(os.Stderr, "nanotrace: queue full, dropping record\n")
	}
	return nil
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(sb, p, ga)
		}
		return
	}
	sb.WriteByte(' ')
	sb.WriteString(prefix)
	sb.WriteString(a.Key)
	sb.WriteByte('=')
	sb.WriteString(a.Value.String())
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".")
	}
	h2.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if prefix != "" {
			a = slog.Group(prefix, a)
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string(nil), h.groups...), name)
	return &h2
}

func (s *shipper) runLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch [][]byte
	send := func() {
		if len(batch) == 0 {
			return
		}
		s.post(batch)
		batch = nil
	}

	for {
		select {
		case data := <-s.queue:
			batch = append(batch, data)
			if len(batch) >= batchSize {
				send()
			}
		case <-ticker.C:
			send()
		case <-s.done:
			for {
				select {
				case data := <-s.queue:
					batch = append(batch, data)
					if len(batch) >= batchSize {
						send()
					}
				default:
					send()
					return
				}
			}
		}
	}
}

// post sends a batch as one JSON array.
func (s *shipper) post(batch [][]byte) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range batch {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(b)
	}
	buf.WriteByte(']')

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(s.opts.ServerURL, "/")+"/api/ingest", &buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nanotrace: %v\n", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Instance-ID", s.instanceID)

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nanotrace: network error: %v\n", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "nanotrace: send failed: HTTP %d\n", resp.StatusCode)
	}
}

// Shutdown flushes queued records and stops the sender.
func (h *Handler) Shutdown() {
	h.s.once.Do(func() { close(h.s.done) })
	h.s.wg.Wait()
}

// ensureInstanceID returns the id stored under ~/.nanotrace, creating it
// on first use. Without a home directory the id is ephemeral.
func ensureInstanceID() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return uuid.New().String()
	}
	dir := filepath.Join(homeDir, ".nanotrace")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return uuid.New().String()
	}
	idFile := filepath.Join(dir, "id")
	if data, err := os.ReadFile(idFile); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String()
		}
	}
	id := uuid.New().String()
	_ = os.WriteFile(idFile, []byte(id), 0644)
	return id
}

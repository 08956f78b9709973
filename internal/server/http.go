// Package server exposes the message log over HTTP: line ingestion,
// search, histograms, stats, source management and a live tail.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/nanotrace/internal/capture"
	"github.com/coffersTech/nanotrace/internal/engine"
	"github.com/coffersTech/nanotrace/internal/model"
	"github.com/coffersTech/nanotrace/internal/registry"
)

// maxIngestBody bounds one ingest request.
const maxIngestBody = 8 << 20

// Options configure a Server.
type Options struct {
	// Ingest receives posted lines; nil disables /api/ingest.
	Ingest *capture.HTTPSource
	// TailBuffer is the number of event batches queued per tail client.
	TailBuffer int
	// TopProcesses limits the per-process ranking of /api/stats.
	TopProcesses int
}

type Server struct {
	consumer *engine.Consumer
	registry *registry.Registry
	opts     Options

	srv           *http.Server
	parser        fastjson.ParserPool
	ingestCounter atomic.Int64
}

func New(c *engine.Consumer, reg *registry.Registry, opts Options) *Server {
	if opts.TailBuffer <= 0 {
		opts.TailBuffer = 64
	}
	if opts.TopProcesses <= 0 {
		opts.TopProcesses = 10
	}
	return &Server{consumer: c, registry: reg, opts: opts}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ingest", s.handleIngest)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/histogram", s.handleHistogram)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/processes", s.handleProcesses)
	mux.HandleFunc("/api/sources", s.handleSources)
	mux.HandleFunc("/api/sources/", s.handleSourceItem)
	mux.HandleFunc("/api/clear", s.handleClear)
	mux.HandleFunc("/api/tail", s.handleTail)
	return mux
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("JSON encode error")
	}
}

// call runs fn on the consumer and maps its failure to a response.
func (s *Server) call(w http.ResponseWriter, r *http.Request, fn func(*engine.MessageLog)) bool {
	if err := s.consumer.Call(r.Context(), fn); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		http.Error(w, err.Error(), status)
		return false
	}
	return true
}

// handleIngest accepts one JSON object or an array of them:
// {"pid": 12, "process": "app", "message": "text"}.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Ingest == nil {
		http.Error(w, "HTTP ingest is disabled", http.StatusNotFound)
		return
	}
	s.ingestCounter.Add(1)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("failed to read ingest body")
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	p := s.parser.Get()
	defer s.parser.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("invalid ingest JSON")
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	accepted := 0
	push := func(val *fastjson.Value) bool {
		if val.Type() != fastjson.TypeObject {
			return true
		}
		msg := string(val.GetStringBytes("message"))
		if msg == "" {
			msg = string(val.GetStringBytes("msg"))
		}
		name := string(val.GetStringBytes("process"))
		if name == "" {
			name = string(val.GetStringBytes("service"))
		}
		if name == "" {
			name = "[HTTP " + host + "]"
		}
		if !s.opts.Ingest.Push(uint32(val.GetUint("pid")), name, msg) {
			return false
		}
		accepted++
		return true
	}

	ok := true
	if v.Type() == fastjson.TypeArray {
		arr, _ := v.Array()
		for _, val := range arr {
			if ok = push(val); !ok {
				break
			}
		}
	} else {
		ok = push(v)
	}
	if !ok {
		http.Error(w, "HTTP ingest source stopped", http.StatusServiceUnavailable)
		return
	}
	if id := r.Header.Get("X-Instance-ID"); id != "" {
		log.Trace().Str("instance", id).Int("accepted", accepted).Msg("ingest batch")
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

// handleSearch serves GET /api/search?q=&limit=&after=&order=oldest.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	req := engine.SearchRequest{
		Query:  q.Get("q"),
		Limit:  intParam(q.Get("limit"), engine.DefaultSearchLimit),
		After:  intParam(q.Get("after"), 0),
		Oldest: q.Get("order") == "oldest",
	}

	var (
		msgs []model.Message
		err  error
	)
	if !s.call(w, r, func(l *engine.MessageLog) { msgs, err = engine.Search(l, req) }) {
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleHistogram serves GET /api/histogram?start=&end=&interval=&q=.
// start and end are Unix milliseconds, interval is in seconds.
func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	start := int64Param(q.Get("start"), 0)
	end := int64Param(q.Get("end"), 0)
	interval := int64Param(q.Get("interval"), 1) * 1000

	var (
		points []engine.HistogramPoint
		err    error
	)
	if !s.call(w, r, func(l *engine.MessageLog) {
		points, err = engine.ComputeHistogram(l, start, end, interval, q.Get("q"))
	}) {
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.consumer.Stats().Snapshot(s.opts.TopProcesses)
	if !s.call(w, r, func(l *engine.MessageLog) {
		stats.Stored = l.Len()
		stats.First = l.First()
		stats.Count = l.Count()
		stats.Processes = len(l.Processes())
		stats.Store = l.StoreStats()
	}) {
		return
	}
	stats.Sources = make(map[string]int64)
	for _, src := range s.registry.Sources() {
		stats.Sources[src.Kind().String()]++
	}
	stats.Sources["ingest_requests"] = s.ingestCounter.Load()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var procs []model.ProcessIdentity
	if !s.call(w, r, func(l *engine.MessageLog) { procs = l.Processes() }) {
		return
	}
	writeJSON(w, http.StatusOK, procs)
}

// SourceInfo describes one capture source.
type SourceInfo struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	AtEnd       bool   `json:"at_end"`
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sources := s.registry.Sources()
	infos := make([]SourceInfo, 0, len(sources))
	for _, src := range sources {
		infos = append(infos, SourceInfo{
			ID:          src.ID(),
			Kind:        src.Kind().String(),
			Description: src.Description(),
			AtEnd:       src.AtEnd(),
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleSourceItem serves DELETE /api/sources/{id}.
func (s *Server) handleSourceItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/sources/")
	found := false
	for _, src := range s.registry.Sources() {
		if src.ID() == id {
			found = true
			break
		}
	}
	if !found {
		http.Error(w, "Source not found", http.StatusNotFound)
		return
	}
	s.registry.RemoveWhere(func(src capture.Source) bool { return src.ID() == id })
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.consumer.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

func int64Param(s string, def int64) int64 {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil && v > 0 {
		return v
	}
	return def
}

package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"github.com/coffersTech/nanotrace/internal/model"
	"github.com/coffersTech/nanotrace/internal/storage"
)

// statsFileName is the file persisted stats live in.
const statsFileName = ".nanotrace.stats"

// PersistentStats holds cumulative counters that survive restarts.
type PersistentStats struct {
	TotalLines    int64            `json:"total_lines"`
	TotalBytes    int64            `json:"total_bytes"`
	Filtered      int64            `json:"filtered"`
	ProcessCounts map[string]int64 `json:"process_counts"`
}

// SystemStats is the API view of the engine counters.
type SystemStats struct {
	IngestionRate float64          `json:"ingestion_rate"` // lines/sec
	TotalLines    int64            `json:"total_lines"`
	TotalBytes    int64            `json:"total_bytes"`
	Filtered      int64            `json:"filtered"`
	Stored        int              `json:"stored"`
	First         int              `json:"first"`
	Count         int              `json:"count"`
	Processes     int              `json:"processes"`
	TopProcesses  []ProcessCount   `json:"top_processes"`
	Store         storage.Stats    `json:"store"`
	Sources       map[string]int64 `json:"sources,omitempty"`
}

// ProcessCount is one entry of the per-process ranking.
type ProcessCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Stats counts accepted and filtered lines.
type Stats struct {
	dataDir string

	mu      sync.RWMutex
	totals  PersistentStats
	rate    float64
	counter atomic.Int64
}

// NewStats loads persisted counters from dataDir. An empty dataDir keeps
// the counters in memory only.
func NewStats(dataDir string) *Stats {
	return &Stats{dataDir: dataDir, totals: loadPersistentStats(dataDir)}
}

// Accept counts an accepted line.
func (s *Stats) Accept(l model.Line) {
	s.counter.Add(1)
	s.mu.Lock()
	s.totals.TotalLines++
	s.totals.TotalBytes += int64(len(l.Message))
	s.totals.ProcessCounts[l.ProcessName]++
	s.mu.Unlock()
}

// Reject counts a line dropped by the filters.
func (s *Stats) Reject() {
	s.mu.Lock()
	s.totals.Filtered++
	s.mu.Unlock()
}

// Rate returns the accepted lines per second over the last interval.
func (s *Stats) Rate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate
}

// StartTicker recomputes the ingestion rate every interval and persists
// the counters until ctx is done.
func (s *Stats) StartTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				count := s.counter.Swap(0)
				s.mu.Lock()
				s.rate = float64(count) / interval.Seconds()
				s.mu.Unlock()
				if err := s.Save(); err != nil {
					log.Warn().Err(err).Msg("stats persist failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Save writes the counters to disk atomically.
func (s *Stats) Save() error {
	if s.dataDir == "" {
		return nil
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.totals, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return savePersistentStats(s.dataDir, data)
}

// Snapshot returns the counters with the top n processes.
func (s *Stats) Snapshot(top int) SystemStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	procs := make([]ProcessCount, 0, len(s.totals.ProcessCounts))
	for name, c := range s.totals.ProcessCounts {
		procs = append(procs, ProcessCount{Name: name, Count: c})
	}
	sort.Slice(procs, func(i, j int) bool {
		if procs[i].Count != procs[j].Count {
			return procs[i].Count > procs[j].Count
		}
		return procs[i].Name < procs[j].Name
	})
	if top > 0 && len(procs) > top {
		procs = procs[:top]
	}
	return SystemStats{
		IngestionRate: s.rate,
		TotalLines:    s.totals.TotalLines,
		TotalBytes:    s.totals.TotalBytes,
		Filtered:      s.totals.Filtered,
		TopProcesses:  procs,
	}
}

func loadPersistentStats(dataDir string) PersistentStats {
	stats := PersistentStats{ProcessCounts: make(map[string]int64)}
	if dataDir == "" {
		return stats
	}
	data, err := os.ReadFile(filepath.Join(dataDir, statsFileName))
	if err != nil {
		return stats
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		log.Warn().Err(err).Str("dir", dataDir).Msg("ignoring corrupt stats file")
		return PersistentStats{ProcessCounts: make(map[string]int64)}
	}
	if stats.ProcessCounts == nil {
		stats.ProcessCounts = make(map[string]int64)
	}
	return stats
}

func savePersistentStats(dataDir string, data []byte) error {
	path := filepath.Join(dataDir, statsFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Package engine turns the merged capture stream into the stored message
// log and serves queries over it.
package engine

import (
	"fmt"

	"github.com/coffersTech/nanotrace/internal/model"
	"github.com/coffersTech/nanotrace/internal/storage"
)

// record is the compact per-message data kept beside the stored text.
type record struct {
	time       float64
	systemTime model.FileTime
	uid        uint32
}

// MessageLog stores accepted lines. Record n and text n in the store
// describe the same message. Indexes are logical: they keep growing when
// old messages are evicted and restart at zero after Clear.
//
// A MessageLog is owned by one goroutine; see Consumer.Call.
type MessageLog struct {
	store     *storage.IndexedStore
	records   []record
	first     int
	processes *ProcessTable

	historySize int
	added       int64
}

// NewMessageLog takes ownership of store, which must be empty.
func NewMessageLog(store *storage.IndexedStore) *MessageLog {
	if store == nil {
		store = storage.NewIndexedStore(nil, storage.DefaultBlockSize)
	}
	store.Clear()
	return &MessageLog{store: store, processes: NewProcessTable()}
}

// Add appends line and returns its index.
func (l *MessageLog) Add(line model.Line) (int, error) {
	idx, err := l.store.Add(line.Message)
	if err != nil {
		return 0, fmt.Errorf("message log: %w", err)
	}
	l.records = append(l.records, record{
		time:       line.Time,
		systemTime: line.SystemTime,
		uid:        l.processes.UID(line.ProcessID, line.ProcessName),
	})
	l.added++
	l.evict()
	return idx, nil
}

// Get returns the message at index i.
func (l *MessageLog) Get(i int) (model.Message, error) {
	text, err := l.store.Get(i)
	if err != nil {
		return model.Message{}, err
	}
	r := l.records[i-l.first]
	p, _ := l.processes.Get(r.uid)
	return model.Message{
		Index:       i,
		Time:        r.time,
		SystemTime:  r.systemTime,
		ProcessID:   p.PID,
		ProcessName: p.Name,
		Text:        text,
		Color:       p.Color,
	}, nil
}

// Count returns one past the highest index.
func (l *MessageLog) Count() int { return l.store.Count() }

// First returns the lowest index still held.
func (l *MessageLog) First() int { return l.first }

// Len returns the number of messages held.
func (l *MessageLog) Len() int { return len(l.records) }

// Added returns the number of messages added since creation, across clears.
func (l *MessageLog) Added() int64 { return l.added }

// Clear drops every message and process identity.
func (l *MessageLog) Clear() {
	l.store.Clear()
	l.records = nil
	l.first = 0
	l.processes.Reset()
}

// SetHistorySize bounds the number of messages kept; 0 keeps everything.
// Eviction releases whole store blocks, so up to one block more than n may
// be held.
func (l *MessageLog) SetHistorySize(n int) {
	if n < 0 {
		n = 0
	}
	l.historySize = n
	l.evict()
}

func (l *MessageLog) HistorySize() int { return l.historySize }

func (l *MessageLog) evict() {
	if l.historySize == 0 || l.Len() <= l.historySize {
		return
	}
	first := l.store.DropBefore(l.Count() - l.historySize)
	if first == l.first {
		return
	}
	l.records = append([]record(nil), l.records[first-l.first:]...)
	l.first = first
}

// Process returns the identity with the given uid.
func (l *MessageLog) Process(uid uint32) (model.ProcessIdentity, bool) {
	return l.processes.Get(uid)
}

// Processes returns every known process identity.
func (l *MessageLog) Processes() []model.ProcessIdentity {
	return l.processes.All()
}

// StoreStats describes the underlying store.
func (l *MessageLog) StoreStats() storage.Stats { return l.store.Stats() }

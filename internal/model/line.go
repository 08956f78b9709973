package model

import "time"

// FileTime counts 100-nanosecond intervals since 1601-01-01 UTC.
type FileTime uint64

const (
	// epochSeconds is the number of seconds between 1601 and 1970.
	epochSeconds  = 11644473600
	ticksPerSec   = 10000000
	nanosPerTicks = 100
)

// NewFileTime converts a wall clock time to a FileTime. Times before 1601
// map to zero.
func NewFileTime(t time.Time) FileTime {
	secs := t.Unix() + epochSeconds
	if secs < 0 {
		return 0
	}
	return FileTime(uint64(secs)*ticksPerSec + uint64(t.Nanosecond()/nanosPerTicks))
}

// Now returns the current system time as a FileTime.
func Now() FileTime {
	return NewFileTime(time.Now())
}

// Time converts back to a time.Time in UTC.
func (ft FileTime) Time() time.Time {
	secs := int64(ft/ticksPerSec) - epochSeconds
	nsec := int64(ft%ticksPerSec) * nanosPerTicks
	return time.Unix(secs, nsec).UTC()
}

// Line is one captured debug line. It is immutable once queued by a source.
type Line struct {
	Time        float64  `json:"time"` // seconds since the capture timer was reset
	SystemTime  FileTime `json:"system_time"`
	ProcessID   uint32   `json:"pid"`
	ProcessName string   `json:"process"`
	Message     string   `json:"message"`
}

// ProcessHandle is an open reference to a running process. Holding it keeps
// the identity stable if the pid is recycled before the name is resolved.
type ProcessHandle interface {
	PID() uint32
	Close() error
}

// InternalLine is the capture-time form of a Line. Name resolution is
// deferred until the line is drained, outside the source lock.
type InternalLine struct {
	Time        float64
	SystemTime  FileTime
	ProcessID   uint32
	ProcessName string
	Message     string
	Handle      ProcessHandle
}

// Message is the resolved record stored in and returned by the message log.
type Message struct {
	Index       int      `json:"index"`
	Time        float64  `json:"time"`
	SystemTime  FileTime `json:"system_time"`
	ProcessID   uint32   `json:"pid"`
	ProcessName string   `json:"process"`
	Text        string   `json:"text"`
	Color       uint32   `json:"color"`
}

// GetPID, GetProcess, GetMessage and GetTime let a Message be matched by
// the query language without the query package depending on model.
func (m *Message) GetPID() uint32       { return m.ProcessID }
func (m *Message) GetProcess() string   { return m.ProcessName }
func (m *Message) GetMessage() string   { return m.Text }
func (m *Message) GetTime() float64     { return m.Time }
func (m *Message) GetSystemTime() int64 { return m.SystemTime.Time().UnixNano() }

// ProcessIdentity is a deduplicated (pid, name) pair with a dense local uid.
type ProcessIdentity struct {
	UID   uint32 `json:"uid"`
	PID   uint32 `json:"pid"`
	Name  string `json:"name"`
	Color uint32 `json:"color"`
}

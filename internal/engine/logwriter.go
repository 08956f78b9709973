package engine

import (
	"github.com/coffersTech/nanotrace/internal/logfile"
	"github.com/coffersTech/nanotrace/internal/model"
)

// LogWriter appends accepted lines to a log file as they arrive.
type LogWriter struct {
	w    *logfile.Writer
	path string
}

// OpenLogWriter starts writing to path; truncate starts a new file.
func OpenLogWriter(path string, truncate bool) (*LogWriter, error) {
	w, err := logfile.Create(path, truncate)
	if err != nil {
		return nil, err
	}
	return &LogWriter{w: w, path: path}, nil
}

func (lw *LogWriter) Path() string { return lw.path }

// Write appends lines and flushes them.
func (lw *LogWriter) Write(lines ...model.Line) error {
	for _, l := range lines {
		if err := lw.w.WriteLine(l); err != nil {
			return err
		}
	}
	return lw.w.Flush()
}

func (lw *LogWriter) Close() error { return lw.w.Close() }

// SaveLog writes every message held by l to path.
func SaveLog(l *MessageLog, path string) (int, error) {
	lines := make([]model.Line, 0, l.Len())
	for i := l.First(); i < l.Count(); i++ {
		m, err := l.Get(i)
		if err != nil {
			return 0, err
		}
		lines = append(lines, model.Line{
			Time:        m.Time,
			SystemTime:  m.SystemTime,
			ProcessID:   m.ProcessID,
			ProcessName: m.ProcessName,
			Message:     m.Text,
		})
	}
	return len(lines), logfile.Save(path, lines)
}

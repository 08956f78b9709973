package logfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coffersTech/nanotrace/internal/model"
)

// Writer writes lines in the native format.
type Writer struct {
	f *os.File
	w *bufio.Writer
}

// Create opens path for writing. With truncate the file is replaced and
// starts with the identification header, otherwise lines are appended.
func Create(path string, truncate bool) (*Writer, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f, w: bufio.NewWriter(f)}
	if truncate {
		// The header keeps the column count so csv tools can import the file.
		header := model.Line{ProcessName: HeaderProcess, Message: Identification1}
		if err := w.WriteLine(header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

// WriteLine appends one line.
func (w *Writer) WriteLine(l model.Line) error {
	if _, err := w.w.WriteString(FormatLine(l)); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush writes buffered lines to the file.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Save writes lines to a new native-format file.
func Save(path string, lines []model.Line) error {
	w, err := Create(path, true)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if err := w.WriteLine(l); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// Load reads every line of a file in any supported format.
func Load(path string) ([]model.Line, FileType, error) {
	ft, err := Identify(path)
	if err != nil {
		return nil, Unknown, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, ft, err
	}
	defer f.Close()

	p := NewParser(ft, filepath.Base(path))
	if st, err := f.Stat(); err == nil {
		p.Day = st.ModTime()
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var lines []model.Line
	for sc.Scan() {
		line, ok, err := p.Parse(sc.Text())
		if err != nil {
			return lines, ft, fmt.Errorf("%s line %d: %w", path, p.lineNo, err)
		}
		if ok {
			lines = append(lines, line)
		}
	}
	return lines, ft, sc.Err()
}

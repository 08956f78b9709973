// Package logfile reads and writes the supported log file formats: the
// native tab-separated format and Sysinternals DebugView logs. Anything
// else is treated as plain text.
package logfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coffersTech/nanotrace/internal/model"
)

const (
	Identification1 = "File Identification Header, DebugView++ Format Version 1"
	Identification2 = "File Identification Header, DebugView++ Format Version 2"

	// HeaderProcess is the process column of the header line.
	HeaderProcess = "DebugView++.exe"

	dateTimeLayout = "2006/01/02 15:04:05.000"
)

// ErrMalformedLine is returned for a native-format line that cannot be split
// into its columns.
var ErrMalformedLine = errors.New("logfile: malformed line")

// FileType identifies a log file format.
type FileType int

const (
	Unknown FileType = iota
	DebugViewPP1
	DebugViewPP2
	Sysinternals
	AsciiText
)

func (t FileType) String() string {
	switch t {
	case DebugViewPP1:
		return "DebugView++ Logfile v1"
	case DebugViewPP2:
		return "DebugView++ Logfile v2"
	case Sysinternals:
		return "Sysinternals Debugview Logfile"
	case AsciiText:
		return "Ascii text file"
	default:
		return "Unknown file type"
	}
}

// Identify opens path and determines its format.
func Identify(path string) (FileType, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, err
	}
	defer f.Close()
	return IdentifyReader(path, f), nil
}

// IdentifyReader determines the format from the file name and its first two
// lines. Our own header wins; .txt is plain text; a .log whose second line
// has two or three tabs is a Sysinternals log.
func IdentifyReader(name string, r io.Reader) FileType {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	if !sc.Scan() {
		return Unknown
	}
	first := strings.TrimSpace(sc.Text())
	switch {
	case strings.HasSuffix(first, Identification1):
		return DebugViewPP1
	case strings.HasSuffix(first, Identification2):
		return DebugViewPP2
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".log" && sc.Scan() {
		if tabs := strings.Count(sc.Text(), "\t"); tabs == 2 || tabs == 3 {
			return Sysinternals
		}
	}
	return AsciiText
}

// FormatLine renders a line in the native format:
// time, date-time, pid, process name and message separated by tabs.
func FormatLine(l model.Line) string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatFloat(l.Time, 'f', 6, 64))
	sb.WriteByte('\t')
	sb.WriteString(FormatDateTime(l.SystemTime))
	sb.WriteByte('\t')
	sb.WriteString(strconv.FormatUint(uint64(l.ProcessID), 10))
	sb.WriteByte('\t')
	sb.WriteString(l.ProcessName)
	sb.WriteByte('\t')
	sb.WriteString(strings.TrimRight(l.Message, " \r\n\t"))
	return sb.String()
}

// FormatDateTime renders a FileTime as local clock time.
func FormatDateTime(ft model.FileTime) string {
	return ft.Time().In(time.Local).Format(dateTimeLayout)
}

// ParseLine parses one native-format line. The message is the tail after
// the fourth tab and may itself contain tabs.
func ParseLine(s string) (model.Line, error) {
	cols := strings.SplitN(strings.TrimRight(s, "\r\n"), "\t", 5)
	if len(cols) < 5 {
		return model.Line{}, fmt.Errorf("%w: %d columns", ErrMalformedLine, len(cols))
	}
	t, err := strconv.ParseFloat(cols[0], 64)
	if err != nil {
		return model.Line{}, fmt.Errorf("%w: time: %v", ErrMalformedLine, err)
	}
	pid, err := strconv.ParseUint(cols[2], 10, 32)
	if err != nil {
		return model.Line{}, fmt.Errorf("%w: pid: %v", ErrMalformedLine, err)
	}
	var st model.FileTime
	if dt, err := time.ParseInLocation(dateTimeLayout, cols[1], time.Local); err == nil {
		st = model.NewFileTime(dt)
	}
	return model.Line{
		Time:        t,
		SystemTime:  st,
		ProcessID:   uint32(pid),
		ProcessName: cols[3],
		Message:     cols[4],
	}, nil
}

var sysinternalsTimeLayouts = []string{
	"03:04:05.000 PM",
	"03:04:05 PM",
	"15:04:05.000",
	"15:04:05",
}

// ParseSysinternalsLine parses "line#\ttime\t[pid] message" or, for kernel
// messages, "line#\ttime\tmessage". The time column is a clock time in one
// of several regional formats or a relative time in seconds.
func ParseSysinternalsLine(s string, day time.Time) model.Line {
	cols := strings.SplitN(strings.TrimRight(s, "\r\n"), "\t", 3)
	for len(cols) < 3 {
		cols = append(cols, "")
	}
	var line model.Line

	timeCol := strings.TrimSpace(cols[1])
	parsed := false
	for _, layout := range sysinternalsTimeLayouts {
		if ct, err := time.ParseInLocation(layout, timeCol, time.Local); err == nil {
			y, m, d := day.Date()
			local := time.Date(y, m, d, ct.Hour(), ct.Minute(), ct.Second(), ct.Nanosecond(), time.Local)
			line.SystemTime = model.NewFileTime(local)
			parsed = true
			break
		}
	}
	if !parsed {
		if v, err := strconv.ParseFloat(timeCol, 64); err == nil {
			line.Time = v
		}
	}

	tail := cols[2]
	if strings.HasPrefix(tail, "[") {
		line.ProcessName = "[unavailable]"
		if end := strings.Index(tail, "] "); end > 0 {
			if pid, err := strconv.ParseUint(tail[1:end], 10, 32); err == nil {
				line.ProcessID = uint32(pid)
				line.Message = tail[end+2:]
				return line
			}
		}
	} else {
		line.ProcessName = "[kernel]"
	}
	line.Message = tail
	return line
}

// Parser turns the lines of one file into captured lines according to its
// format. It tracks header skipping and relative times.
type Parser struct {
	Type FileType
	// Name is the process name used for plain text lines.
	Name string
	// Day supplies the date for Sysinternals clock times.
	Day time.Time

	lineNo int
	first  model.FileTime
}

// NewParser returns a parser for a file of the given type.
func NewParser(t FileType, name string) *Parser {
	return &Parser{Type: t, Name: name, Day: time.Now()}
}

// Parse converts one raw line. It returns false for lines that carry no
// message, such as the header.
func (p *Parser) Parse(raw string) (model.Line, bool, error) {
	p.lineNo++
	switch p.Type {
	case DebugViewPP1, DebugViewPP2:
		if p.lineNo == 1 {
			return model.Line{}, false, nil
		}
		line, err := ParseLine(raw)
		if err != nil {
			return model.Line{}, false, err
		}
		line.Message = tabsToSpaces(line.Message)
		return line, true, nil
	case Sysinternals:
		line := ParseSysinternalsLine(raw, p.Day)
		p.relativeTime(&line)
		line.Message = tabsToSpaces(line.Message)
		return line, true, nil
	default:
		return model.Line{ProcessName: p.Name, Message: raw}, true, nil
	}
}

// relativeTime derives a relative time from the system time when the file
// only stores clock times.
func (p *Parser) relativeTime(line *model.Line) {
	if line.Time != 0 {
		return
	}
	if p.lineNo == 1 {
		p.first = line.SystemTime
		return
	}
	line.Time = float64(int64(line.SystemTime)-int64(p.first)) / 1e7
}

// tabsToSpaces expands tabs to the next multiple of four columns.
func tabsToSpaces(s string) string {
	if !strings.Contains(s, "\t") {
		return s
	}
	var sb strings.Builder
	col := 0
	for _, r := range s {
		if r == '\t' {
			n := 4 - col%4
			sb.WriteString(strings.Repeat(" ", n))
			col += n
			continue
		}
		sb.WriteRune(r)
		col++
	}
	return sb.String()
}

package logfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/nanotrace/internal/model"
)

func TestIdentifyReader(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    FileType
	}{
		{"native v1", "a.dblog", "0.000000\t1601/01/01 00:00:00.000\t0\tDebugView++.exe\t" + Identification1 + "\n", DebugViewPP1},
		{"native v2", "a.log", Identification2 + "\r\n", DebugViewPP2},
		{"text by extension", "notes.TXT", "hello\nworld\n", AsciiText},
		{"sysinternals kernel line", "dbg.log", "COMPUTER\n00000001\t0.00000000\tkernel text\n", Sysinternals},
		{"sysinternals process line", "dbg.log", "x\n1\t12:00:01\t[42] msg\twith tab\n", Sysinternals},
		{"log without tabs", "app.log", "one\ntwo\n", AsciiText},
		{"single line log", "app.log", "one\n", AsciiText},
		{"empty", "empty.log", "", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IdentifyReader(tt.file, strings.NewReader(tt.content)))
		})
	}
}

func TestFormatParseLine(t *testing.T) {
	st := model.NewFileTime(time.Date(2024, 5, 6, 7, 8, 9, 123000000, time.Local))
	in := model.Line{Time: 1.25, SystemTime: st, ProcessID: 4242, ProcessName: "app.exe", Message: "a\tb  \r\n"}

	text := FormatLine(in)
	assert.True(t, strings.HasPrefix(text, "1.250000\t2024/05/06 07:08:09.123\t4242\tapp.exe\t"))

	out, err := ParseLine(text)
	require.NoError(t, err)
	assert.Equal(t, 1.25, out.Time)
	assert.Equal(t, st, out.SystemTime)
	assert.Equal(t, uint32(4242), out.ProcessID)
	assert.Equal(t, "app.exe", out.ProcessName)
	assert.Equal(t, "a\tb", out.Message)
}

func TestParseLine_Malformed(t *testing.T) {
	for _, in := range []string{"", "1.0\tdate", "x\tdate\t1\tp\tm", "1.0\tdate\tpid\tp\tm"} {
		_, err := ParseLine(in)
		assert.ErrorIs(t, err, ErrMalformedLine, in)
	}
}

func TestParseSysinternalsLine(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.Local)

	l := ParseSysinternalsLine("00000001\t13:14:15.250\t[1234] hello world", day)
	assert.Equal(t, uint32(1234), l.ProcessID)
	assert.Equal(t, "[unavailable]", l.ProcessName)
	assert.Equal(t, "hello world", l.Message)
	assert.Equal(t, time.Date(2024, 1, 2, 13, 14, 15, 250000000, time.Local).UTC(), l.SystemTime.Time())

	l = ParseSysinternalsLine("00000002\t01:14:15 PM\tdriver loaded", day)
	assert.Equal(t, "[kernel]", l.ProcessName)
	assert.Equal(t, "driver loaded", l.Message)
	assert.Equal(t, 13, l.SystemTime.Time().In(time.Local).Hour())

	l = ParseSysinternalsLine("00000003\t2.50000000\t[7] relative", day)
	assert.Equal(t, 2.5, l.Time)
	assert.Equal(t, model.FileTime(0), l.SystemTime)
}

func TestParser_RelativeTimeFromClock(t *testing.T) {
	p := NewParser(Sysinternals, "dbg.log")
	p.Day = time.Date(2024, 1, 2, 0, 0, 0, 0, time.Local)

	first, ok, err := p.Parse("1\t10:00:00.000\t[1] first")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.0, first.Time)

	second, _, err := p.Parse("2\t10:00:01.500\t[1] second")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, second.Time, 1e-9)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.dblog")
	lines := []model.Line{
		{Time: 0.5, SystemTime: model.NewFileTime(time.Now()), ProcessID: 1, ProcessName: "one", Message: "first"},
		{Time: 1.5, SystemTime: model.NewFileTime(time.Now()), ProcessID: 2, ProcessName: "two", Message: "col\tumns"},
	}
	require.NoError(t, Save(path, lines))

	got, ft, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DebugViewPP1, ft)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Message)
	assert.Equal(t, "col umns", got[1].Message)
	assert.Equal(t, "two", got[1].ProcessName)
}

func TestLoad_PlainText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha\nbeta\n"), 0644))

	got, ft, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, AsciiText, ft)
	require.Len(t, got, 2)
	assert.Equal(t, "notes.txt", got[0].ProcessName)
	assert.Equal(t, "beta", got[1].Message)
}

func TestWriter_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.dblog")
	w, err := Create(path, true)
	require.NoError(t, err)
	require.NoError(t, w.WriteLine(model.Line{Message: "one"}))
	require.NoError(t, w.Close())

	w, err = Create(path, false)
	require.NoError(t, err)
	require.NoError(t, w.WriteLine(model.Line{Message: "two"}))
	require.NoError(t, w.Close())

	got, _, err := Load(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[1].Message)
}

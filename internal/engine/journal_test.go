package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/nanotrace/internal/model"
)

func replayAll(t *testing.T, j *Journal) []model.Line {
	t.Helper()
	var got []model.Line
	_, err := j.Replay(func(l model.Line) { got = append(got, l) })
	require.NoError(t, err)
	return got
}

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(path)
	require.NoError(t, err)

	in := []model.Line{line(0.25, 7, "svc", "first"), line(1.5, 8, "other", "second ünïcode")}
	require.NoError(t, j.Append(in...))
	require.NoError(t, j.Sync())
	require.NoError(t, j.Close())

	j, err = OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, in, replayAll(t, j))
}

func TestJournalTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(line(0, 1, "a", "kept"), line(1, 1, "a", "torn")))
	require.NoError(t, j.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	j, err = OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()
	got := replayAll(t, j)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Message)

	// Frames appended after the truncation stay readable.
	require.NoError(t, j.Append(line(2, 1, "a", "after")))
	require.NoError(t, j.Flush())
	got = replayAll(t, j)
	require.Len(t, got, 2)
	assert.Equal(t, "after", got[1].Message)
}

func TestJournalOversizedFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff, 0x7f, 0, 0}, 0644))

	j, err := OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()
	_, err = j.Replay(func(model.Line) {})
	assert.Error(t, err)
}

func TestJournalReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(line(0, 1, "a", "old")))
	require.NoError(t, j.Reset())
	require.NoError(t, j.Append(line(1, 1, "a", "new")))
	require.NoError(t, j.Flush())

	got := replayAll(t, j)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Message)
}

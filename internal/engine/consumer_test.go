package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/nanotrace/internal/filter"
	"github.com/coffersTech/nanotrace/internal/model"
)

type fakeLines struct {
	mu      sync.Mutex
	pending []model.Line
	updates chan struct{}
}

func newFakeLines() *fakeLines {
	return &fakeLines{updates: make(chan struct{}, 1)}
}

func (f *fakeLines) push(msgs ...string) {
	f.mu.Lock()
	for _, m := range msgs {
		f.pending = append(f.pending, line(float64(len(f.pending)), 5, "app", m))
	}
	f.mu.Unlock()
	select {
	case f.updates <- struct{}{}:
	default:
	}
}

func (f *fakeLines) Updates() <-chan struct{} { return f.updates }

func (f *fakeLines) GetLines() []model.Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := f.pending
	f.pending = nil
	return lines
}

// receive collects events until n messages arrived.
func receive(t *testing.T, ch <-chan []Event, n int) []Event {
	t.Helper()
	var (
		got  []Event
		msgs int
	)
	timeout := time.After(2 * time.Second)
	for msgs < n {
		select {
		case batch := <-ch:
			for _, e := range batch {
				if e.Message != nil {
					msgs++
				}
			}
			got = append(got, batch...)
		case <-timeout:
			t.Fatalf("received %d of %d messages", msgs, n)
		}
	}
	return got
}

func eventTexts(events []Event) []string {
	var out []string
	for _, e := range events {
		switch {
		case e.Cleared:
			out = append(out, "<cleared>")
		case e.Message != nil:
			out = append(out, e.Message.Text)
		}
	}
	return out
}

func startConsumer(t *testing.T, src LineSource, opts ConsumerOptions) (*Consumer, *MessageLog, func()) {
	t.Helper()
	l := NewMessageLog(nil)
	c := NewConsumer(src, l, opts)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()
	return c, l, func() {
		cancel()
		<-stopped
	}
}

func TestConsumerFiltersAndStores(t *testing.T) {
	src := newFakeLines()
	lf := &filter.LogFilter{MessageFilters: []*filter.Filter{
		filter.MustNew("noise", filter.Simple, filter.Exclude),
		filter.MustNew("ok", filter.Simple, filter.Highlight),
	}}
	c, _, stop := startConsumer(t, src, ConsumerOptions{Filter: lf})
	defer stop()

	events, cancel := c.Subscribe(16)
	defer cancel()

	src.push("first ok", "noise here", "second")
	got := receive(t, events, 2)
	assert.Equal(t, []string{"first ok", "second"}, eventTexts(got))
	require.Len(t, got[0].Hints, 1)
	assert.Equal(t, filter.Highlight, got[0].Hints[0].Type)
	assert.Equal(t, 6, got[0].Hints[0].Start)
	assert.Equal(t, 0, got[0].Message.Index)
	assert.Equal(t, 1, got[1].Message.Index)

	var n int
	require.NoError(t, c.Call(context.Background(), func(l *MessageLog) { n = l.Len() }))
	assert.Equal(t, 2, n)

	snap := c.Stats().Snapshot(0)
	assert.Equal(t, int64(2), snap.TotalLines)
	assert.Equal(t, int64(1), snap.Filtered)
}

func TestConsumerClearAndBeep(t *testing.T) {
	src := newFakeLines()
	journalPath := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(journalPath)
	require.NoError(t, err)

	var (
		beepMu sync.Mutex
		beeps  []string
	)
	lf := &filter.LogFilter{MessageFilters: []*filter.Filter{
		filter.MustNew("reset", filter.Simple, filter.Clear),
		filter.MustNew("alarm", filter.Simple, filter.Beep),
	}}
	c, _, stop := startConsumer(t, src, ConsumerOptions{
		Filter:  lf,
		Journal: j,
		OnBeep: func(l model.Line) {
			beepMu.Lock()
			beeps = append(beeps, l.Message)
			beepMu.Unlock()
		},
	})
	events, cancel := c.Subscribe(16)
	defer cancel()

	src.push("a", "b")
	receive(t, events, 2)
	src.push("reset now", "alarm c")
	got := receive(t, events, 2)
	assert.Equal(t, []string{"<cleared>", "reset now", "alarm c"}, eventTexts(got))
	assert.Equal(t, 0, got[1].Message.Index)

	var texts []string
	require.NoError(t, c.Call(context.Background(), func(l *MessageLog) {
		for i := l.First(); i < l.Count(); i++ {
			m, err := l.Get(i)
			require.NoError(t, err)
			texts = append(texts, m.Text)
		}
	}))
	assert.Equal(t, []string{"reset now", "alarm c"}, texts)

	beepMu.Lock()
	assert.Equal(t, []string{"alarm c"}, beeps)
	beepMu.Unlock()

	stop()
	require.NoError(t, j.Close())

	j, err = OpenJournal(journalPath)
	require.NoError(t, err)
	defer j.Close()
	assert.Len(t, replayAll(t, j), 2, "the journal restarts at the clear")
}

func TestConsumerChunks(t *testing.T) {
	src := newFakeLines()
	c, _, stop := startConsumer(t, src, ConsumerOptions{ChunkSize: 2})
	defer stop()
	events, cancel := c.Subscribe(16)
	defer cancel()

	src.push("1", "2", "3", "4", "5")
	var batches [][]Event
	total := 0
	timeout := time.After(2 * time.Second)
	for total < 5 {
		select {
		case b := <-events:
			batches = append(batches, b)
			total += len(b)
		case <-timeout:
			t.Fatalf("received %d of 5", total)
		}
	}
	assert.Len(t, batches, 3)
	assert.Len(t, batches[2], 1)
}

func TestConsumerSetFilterAndClear(t *testing.T) {
	src := newFakeLines()
	c, l, stop := startConsumer(t, src, ConsumerOptions{})
	defer stop()
	events, cancel := c.Subscribe(16)
	defer cancel()

	lf := &filter.LogFilter{ProcessFilters: []*filter.Filter{filter.MustNew("other", filter.Simple, filter.Include)}}
	require.NoError(t, c.SetFilter(context.Background(), lf))
	src.push("dropped")
	assert.Eventually(t, func() bool { return c.Stats().Snapshot(0).Filtered == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SetFilter(context.Background(), nil))
	src.push("kept")
	assert.Equal(t, []string{"kept"}, eventTexts(receive(t, events, 1)))

	require.NoError(t, c.Clear(context.Background()))
	var n int
	require.NoError(t, c.Call(context.Background(), func(ml *MessageLog) { n = ml.Len() }))
	assert.Equal(t, 0, n)
	assert.Same(t, l, c.log)
}

func TestConsumerRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(line(0, 1, "a", "one"), line(1, 1, "a", "two"), line(2, 2, "b", "three")))
	require.NoError(t, j.Sync())

	l := NewMessageLog(nil)
	c := NewConsumer(newFakeLines(), l, ConsumerOptions{Journal: j})
	n, err := c.Restore()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, l.Len())
	assert.Len(t, l.Processes(), 2)
	require.NoError(t, j.Close())
}

func TestConsumerCallAfterStop(t *testing.T) {
	c, _, stop := startConsumer(t, newFakeLines(), ConsumerOptions{})
	stop()
	err := c.Call(context.Background(), func(*MessageLog) {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestConsumerCallContext(t *testing.T) {
	c := NewConsumer(newFakeLines(), NewMessageLog(nil), ConsumerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, func(*MessageLog) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsumerSlowSubscriber(t *testing.T) {
	src := newFakeLines()
	c, _, stop := startConsumer(t, src, ConsumerOptions{})
	defer stop()
	_, cancel := c.Subscribe(0)
	defer cancel()

	src.push("not blocked")
	assert.Eventually(t, func() bool {
		var n int
		_ = c.Call(context.Background(), func(l *MessageLog) { n = l.Len() })
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

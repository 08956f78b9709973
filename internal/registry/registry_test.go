package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/nanotrace/internal/capture"
	"github.com/coffersTech/nanotrace/internal/model"
)

type fakeSource struct {
	name    string
	ready   chan struct{}
	mu      sync.Mutex
	pending []model.Line
	end     atomic.Bool
	auto    atomic.Bool
	aborted atomic.Bool
	onAbort func(string)
}

func newFake(name string, onAbort func(string)) *fakeSource {
	return &fakeSource{name: name, ready: make(chan struct{}, 1), onAbort: onAbort}
}

func (f *fakeSource) ID() string             { return f.name }
func (f *fakeSource) Kind() capture.Kind     { return capture.KindPipe }
func (f *fakeSource) Description() string    { return f.name }
func (f *fakeSource) Ready() <-chan struct{} { return f.ready }
func (f *fakeSource) AtEnd() bool            { return f.end.Load() }
func (f *fakeSource) SetAutoNewline(on bool) { f.auto.Store(on) }

func (f *fakeSource) GetLines() []model.Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.pending
	f.pending = nil
	return p
}

func (f *fakeSource) Abort() {
	if f.aborted.CompareAndSwap(false, true) && f.onAbort != nil {
		f.onAbort(f.name)
	}
}

func (f *fakeSource) push(t float64, msg string) {
	f.mu.Lock()
	f.pending = append(f.pending, model.Line{Time: t, ProcessName: f.name, Message: msg})
	f.mu.Unlock()
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func waitUpdate(t *testing.T, r *Registry) {
	t.Helper()
	select {
	case <-r.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no update signal")
	}
}

// drainUntil calls GetLines until pred accepts the accumulated lines.
func drainUntil(t *testing.T, r *Registry, pred func([]model.Line) bool) []model.Line {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var got []model.Line
	for time.Now().Before(deadline) {
		got = append(got, r.GetLines()...)
		if pred(got) {
			return got
		}
		select {
		case <-r.Updates():
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatalf("condition not met, got %v", messages(got))
	return nil
}

func messages(lines []model.Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Message)
	}
	return out
}

func without(lines []model.Line, name string) []model.Line {
	var out []model.Line
	for _, l := range lines {
		if l.ProcessName != name {
			out = append(out, l)
		}
	}
	return out
}

func TestMerge_MonotoneSourcesStayOrdered(t *testing.T) {
	a := []model.Line{{Time: 1, Message: "a1"}, {Time: 3, Message: "a3"}, {Time: 5, Message: "a5"}}
	b := []model.Line{{Time: 2, Message: "b2"}, {Time: 3, Message: "b3"}, {Time: 6, Message: "b6"}}

	got := Merge(a, b)
	assert.Equal(t, []string{"a1", "b2", "a3", "b3", "a5", "b6"}, messages(got))
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Time, got[i].Time)
	}
}

func TestMerge_Edges(t *testing.T) {
	assert.Empty(t, Merge())
	assert.Empty(t, Merge(nil, nil))
	one := []model.Line{{Time: 2, Message: "x"}, {Time: 1, Message: "y"}}
	assert.Equal(t, []string{"x", "y"}, messages(Merge(nil, one)))
}

func TestChunk(t *testing.T) {
	lines := make([]model.Line, 12001)
	chunks := Chunk(lines, DefaultChunkSize)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 5000)
	assert.Len(t, chunks[1], 5000)
	assert.Len(t, chunks[2], 2001)
	assert.Empty(t, Chunk(nil, 10))
	assert.Len(t, Chunk(lines[:3], 0), 1)
}

func TestRegistry_AddAndDrain(t *testing.T) {
	r := New(capture.Options{Timer: capture.NewTimer()})
	defer r.Close()

	a, b := newFake("a", nil), newFake("b", nil)
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	got := drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 2 })
	assert.Equal(t, []string{"Source 'a' was added.", "Source 'b' was added."}, messages(got))
	assert.Len(t, r.Sources(), 2)

	b.push(2, "b2")
	a.push(1, "a1")
	waitUpdate(t, r)
	got = drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 2 })
	assert.Equal(t, []string{"a1", "b2"}, messages(got))
}

func TestRegistry_RemoveDiscardsPendingLines(t *testing.T) {
	var aborted []string
	var mu sync.Mutex
	onAbort := func(n string) { mu.Lock(); aborted = append(aborted, n); mu.Unlock() }

	r := New(capture.Options{Timer: capture.NewTimer()})
	defer r.Close()
	a := newFake("a", onAbort)
	require.NoError(t, r.Add(a))
	drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 1 })

	a.push(1, "late")
	r.Remove(a)
	got := drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 1 })
	assert.Equal(t, []string{"Source 'a' was removed."}, messages(got))
	assert.Empty(t, r.Sources())
	mu.Lock()
	assert.Equal(t, []string{"a"}, aborted)
	mu.Unlock()
}

func TestRegistry_EndedSourceIsReaped(t *testing.T) {
	r := New(capture.Options{Timer: capture.NewTimer()})
	defer r.Close()
	a := newFake("a", nil)
	require.NoError(t, r.Add(a))
	drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 1 })

	a.push(1, "last")
	a.end.Store(true)
	got := drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 2 })
	assert.Equal(t, []string{"last", "Source 'a' was removed."}, messages(got))
	assert.True(t, a.aborted.Load())
}

func TestRegistry_RemoveWhere(t *testing.T) {
	r := New(capture.Options{Timer: capture.NewTimer()})
	defer r.Close()
	for _, n := range []string{"keep", "drop1", "drop2"} {
		require.NoError(t, r.Add(newFake(n, nil)))
	}
	drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 3 })

	r.RemoveWhere(func(s capture.Source) bool { return s.Description() != "keep" })
	drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 2 })
	require.Len(t, r.Sources(), 1)
	assert.Equal(t, "keep", r.Sources()[0].Description())
}

func TestRegistry_SetAutoNewline(t *testing.T) {
	r := New(capture.Options{Timer: capture.NewTimer()})
	defer r.Close()
	a := newFake("a", nil)
	require.NoError(t, r.Add(a))
	drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 1 })

	r.SetAutoNewline(true)
	assert.True(t, a.auto.Load())

	b := newFake("b", nil)
	require.NoError(t, r.Add(b))
	drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 1 })
	assert.True(t, b.auto.Load())
}

func TestRegistry_CloseOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	onAbort := func(n string) { mu.Lock(); order = append(order, n); mu.Unlock() }

	r := New(capture.Options{Timer: capture.NewTimer()})
	for _, n := range []string{"first", "second", "third"} {
		require.NoError(t, r.Add(newFake(n, onAbort)))
	}
	drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 3 })

	r.Close()
	r.Close()
	assert.Equal(t, []string{"third", "second", "first"}, order)

	late := newFake("late", onAbort)
	assert.ErrorIs(t, r.Add(late), ErrClosed)
	assert.True(t, late.aborted.Load())
}

func TestRegistry_MergedStreamIsOrdered(t *testing.T) {
	r := New(capture.Options{Timer: capture.NewTimer()})
	defer r.Close()
	a, b := newFake("a", nil), newFake("b", nil)
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))
	drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 2 })

	for i := 0; i < 50; i++ {
		a.push(float64(2*i), "a")
		b.push(float64(2*i+1), "b")
	}
	got := without(drainUntil(t, r, func(l []model.Line) bool { return len(l) >= 100 }), capture.LoopbackName)
	require.Len(t, got, 100)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Time, got[i].Time)
	}
}

package registry

import (
	"container/heap"

	"github.com/coffersTech/nanotrace/internal/model"
)

// DefaultChunkSize bounds the lines handed to the consumer in one step.
const DefaultChunkSize = 5000

// Merge combines per-source batches into one stream ordered by Time. The
// merge is stable: lines keep their order within a batch, and equal times
// are taken from the earlier batch first.
func Merge(batches ...[]model.Line) []model.Line {
	total := 0
	h := make(cursorHeap, 0, len(batches))
	for i, b := range batches {
		total += len(b)
		if len(b) > 0 {
			h = append(h, cursor{batch: i, lines: b})
		}
	}
	if len(h) == 1 {
		return h[0].lines
	}
	heap.Init(&h)

	out := make([]model.Line, 0, total)
	for len(h) > 0 {
		c := &h[0]
		out = append(out, c.lines[c.pos])
		c.pos++
		if c.pos == len(c.lines) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return out
}

// Chunk splits lines into consecutive slices of at most size lines.
func Chunk(lines []model.Line, size int) [][]model.Line {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks [][]model.Line
	for len(lines) > size {
		chunks = append(chunks, lines[:size:size])
		lines = lines[size:]
	}
	if len(lines) > 0 {
		chunks = append(chunks, lines)
	}
	return chunks
}

type cursor struct {
	batch int
	pos   int
	lines []model.Line
}

type cursorHeap []cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	ti, tj := h[i].lines[h[i].pos].Time, h[j].lines[h[j].pos].Time
	if ti != tj {
		return ti < tj
	}
	return h[i].batch < h[j].batch
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

package engine

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/phuslu/log"

	"github.com/coffersTech/nanotrace/internal/filter"
	"github.com/coffersTech/nanotrace/internal/model"
	"github.com/coffersTech/nanotrace/internal/registry"
)

// ErrStopped is returned by Call once the consumer has stopped.
var ErrStopped = errors.New("engine: consumer stopped")

// LineSource is what the consumer drains; *registry.Registry implements it.
type LineSource interface {
	Updates() <-chan struct{}
	GetLines() []model.Line
}

// Event is one entry of the live tail.
type Event struct {
	Message *model.Message `json:"message,omitempty"`
	Hints   []filter.Hint  `json:"hints,omitempty"`
	Cleared bool           `json:"cleared,omitempty"`
}

// ConsumerOptions wires the optional outputs of the consumer.
type ConsumerOptions struct {
	Filter    *filter.LogFilter
	ChunkSize int
	Journal   *Journal
	LogWriter *LogWriter
	Stats     *Stats
	// OnBeep runs for accepted lines that matched a Beep rule.
	OnBeep func(model.Line)
}

// Consumer is the single goroutine that drains the sources, applies the
// filters and appends to the message log. Everything it owns is reached
// from other goroutines through Call.
type Consumer struct {
	src    LineSource
	log    *MessageLog
	engine *filter.Engine
	opts   ConsumerOptions

	calls chan func()
	done  chan struct{}

	subMu   sync.Mutex
	subs    map[int]chan []Event
	nextSub int
}

func NewConsumer(src LineSource, l *MessageLog, opts ConsumerOptions) *Consumer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = registry.DefaultChunkSize
	}
	if opts.Stats == nil {
		opts.Stats = NewStats("")
	}
	return &Consumer{
		src:    src,
		log:    l,
		engine: filter.NewEngine(),
		opts:   opts,
		calls:  make(chan func()),
		done:   make(chan struct{}),
		subs:   make(map[int]chan []Event),
	}
}

func (c *Consumer) Stats() *Stats { return c.opts.Stats }

// Restore replays the journal into the message log. Call it before Run.
func (c *Consumer) Restore() (int, error) {
	if c.opts.Journal == nil {
		return 0, nil
	}
	n, err := c.opts.Journal.Replay(func(l model.Line) {
		if _, err := c.log.Add(l); err != nil {
			log.Warn().Err(err).Msg("skipping journal entry")
		}
	})
	if n > 0 {
		log.Info().Int("lines", n).Str("journal", c.opts.Journal.Path()).Msg("restored message log")
	}
	return n, err
}

// Run consumes until ctx is done, then drains once more and returns.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.drain()
			c.flush()
			return
		case <-c.src.Updates():
			c.drain()
		case fn := <-c.calls:
			fn()
		}
	}
}

// Call runs fn on the consumer goroutine and waits for it.
func (c *Consumer) Call(ctx context.Context, fn func(*MessageLog)) error {
	done := make(chan struct{})
	select {
	case c.calls <- func() { defer close(done); fn(c.log) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	<-done
	return nil
}

// SetFilter replaces the active rule set.
func (c *Consumer) SetFilter(ctx context.Context, lf *filter.LogFilter) error {
	return c.Call(ctx, func(*MessageLog) { c.opts.Filter = lf })
}

// Clear empties the message log and the journal.
func (c *Consumer) Clear(ctx context.Context) error {
	return c.Call(ctx, func(*MessageLog) { c.clear() })
}

// Subscribe returns a channel receiving the events of every processed
// chunk. A subscriber that falls behind misses events. cancel releases
// the subscription.
func (c *Consumer) Subscribe(buffer int) (<-chan []Event, func()) {
	ch := make(chan []Event, buffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// drain takes every pending line and processes it chunk by chunk, serving
// waiting calls between chunks.
func (c *Consumer) drain() {
	lines := c.src.GetLines()
	if len(lines) == 0 {
		return
	}
	for i, chunk := range registry.Chunk(lines, c.opts.ChunkSize) {
		if i > 0 {
			c.yield()
		}
		c.Process(chunk)
	}
	c.flush()
}

func (c *Consumer) yield() {
	select {
	case fn := <-c.calls:
		fn()
	default:
	}
	runtime.Gosched()
}

// Process filters lines and appends the accepted ones. It must run on the
// consumer goroutine, or before Run starts.
func (c *Consumer) Process(lines []model.Line) {
	events := make([]Event, 0, len(lines))
	for _, line := range lines {
		res := c.engine.EvaluateLine(line, c.opts.Filter)
		if !res.Included {
			c.opts.Stats.Reject()
			continue
		}
		if res.Has(filter.Clear) {
			c.clear()
			events = append(events[:0], Event{Cleared: true})
		}
		if res.Has(filter.Beep) {
			log.Info().Uint32("pid", line.ProcessID).Str("process", line.ProcessName).Msg("beep filter matched")
			if c.opts.OnBeep != nil {
				c.opts.OnBeep(line)
			}
		}

		idx, err := c.log.Add(line)
		if err != nil {
			log.Error().Err(err).Str("process", line.ProcessName).Msg("dropping line")
			continue
		}
		c.opts.Stats.Accept(line)
		if c.opts.Journal != nil {
			if err := c.opts.Journal.Append(line); err != nil {
				log.Error().Err(err).Msg("journal append failed")
			}
		}
		if c.opts.LogWriter != nil {
			if err := c.opts.LogWriter.Write(line); err != nil {
				log.Error().Err(err).Str("path", c.opts.LogWriter.Path()).Msg("log file write failed")
			}
		}
		msg, err := c.log.Get(idx)
		if err != nil {
			log.Error().Err(err).Int("index", idx).Msg("reading back line failed")
			continue
		}
		events = append(events, Event{Message: &msg, Hints: res.Hints})
	}
	c.broadcast(events)
}

func (c *Consumer) clear() {
	c.log.Clear()
	if c.opts.Journal != nil {
		if err := c.opts.Journal.Reset(); err != nil {
			log.Error().Err(err).Msg("journal reset failed")
		}
	}
	log.Info().Msg("message log cleared")
}

func (c *Consumer) flush() {
	if c.opts.Journal != nil {
		if err := c.opts.Journal.Flush(); err != nil {
			log.Error().Err(err).Msg("journal flush failed")
		}
	}
}

func (c *Consumer) broadcast(events []Event) {
	if len(events) == 0 {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- events:
		default:
			log.Debug().Int("subscriber", id).Int("events", len(events)).Msg("tail subscriber behind, events dropped")
		}
	}
}

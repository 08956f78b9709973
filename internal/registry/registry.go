// Package registry owns the set of capture sources, waits for any of them to
// produce lines and hands the merged stream to a single consumer.
package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/coffersTech/nanotrace/internal/capture"
	"github.com/coffersTech/nanotrace/internal/model"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("registry: closed")

// pollInterval bounds every wait so ended sources leave the wait set.
const pollInterval = 250 * time.Millisecond

// Registry schedules source changes from any goroutine and applies them on
// its listen goroutine. GetLines is meant for one consumer goroutine.
type Registry struct {
	opts     capture.Options
	loopback *capture.Loopback

	mu          sync.Mutex
	sources     []capture.Source
	toAdd       []capture.Source
	toRemove    []capture.Source
	autoNewline bool
	closed      bool

	wake    chan struct{}
	updates chan struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a registry holding only its loopback source and starts the
// listen goroutine.
func New(opts capture.Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:        opts,
		loopback:    capture.NewLoopback(opts),
		autoNewline: opts.AutoNewline,
		wake:        make(chan struct{}, 1),
		updates:     make(chan struct{}, 1),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go r.listen(ctx)
	return r
}

// Loopback returns the source for internal status lines.
func (r *Registry) Loopback() *capture.Loopback { return r.loopback }

// Add schedules src to join the wait set. After Close the source is aborted
// and ErrClosed is returned.
func (r *Registry) Add(src capture.Source) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		src.Abort()
		return ErrClosed
	}
	r.toAdd = append(r.toAdd, src)
	r.mu.Unlock()
	r.poke()
	return nil
}

// Remove schedules src for removal. Lines it queued but not yet drained
// are discarded.
func (r *Registry) Remove(src capture.Source) {
	r.RemoveWhere(func(s capture.Source) bool { return s == src })
}

// RemoveWhere schedules every source matching pred for removal.
func (r *Registry) RemoveWhere(pred func(capture.Source) bool) {
	r.mu.Lock()
	for _, s := range r.sources {
		if pred(s) && !slices.Contains(r.toRemove, s) {
			r.toRemove = append(r.toRemove, s)
		}
	}
	kept := r.toAdd[:0]
	var dropped []capture.Source
	for _, s := range r.toAdd {
		if pred(s) {
			dropped = append(dropped, s)
		} else {
			kept = append(kept, s)
		}
	}
	r.toAdd = kept
	r.mu.Unlock()

	for _, s := range dropped {
		s.Abort()
	}
	r.poke()
}

// Sources returns the active sources in insertion order, excluding the
// loopback.
func (r *Registry) Sources() []capture.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sources)
}

// Updates receives a coalesced signal whenever GetLines may return lines.
func (r *Registry) Updates() <-chan struct{} { return r.updates }

// SetAutoNewline applies the setting to all current and future sources.
func (r *Registry) SetAutoNewline(on bool) {
	r.mu.Lock()
	r.autoNewline = on
	sources := slices.Clone(r.sources)
	r.mu.Unlock()
	for _, s := range sources {
		s.SetAutoNewline(on)
	}
	r.loopback.SetAutoNewline(on)
}

// AddMessage queues an internal status line.
func (r *Registry) AddMessage(msg string) {
	r.loopback.Add(msg)
}

// GetLines drains every active source and returns their lines merged by
// time, loopback lines included. Sources that reached their end are
// scheduled for removal once drained.
func (r *Registry) GetLines() []model.Line {
	r.mu.Lock()
	sources := make([]capture.Source, 0, len(r.sources))
	for _, s := range r.sources {
		if !slices.Contains(r.toRemove, s) {
			sources = append(sources, s)
		}
	}
	r.mu.Unlock()

	batches := make([][]model.Line, 0, len(sources)+1)
	var ended []capture.Source
	for _, s := range sources {
		// AtEnd is read first so no line queued before the end is lost.
		end := s.AtEnd()
		batches = append(batches, s.GetLines())
		if end {
			ended = append(ended, s)
		}
	}
	if len(ended) > 0 {
		r.RemoveWhere(func(s capture.Source) bool { return slices.Contains(ended, s) })
	}
	batches = append(batches, r.loopback.GetLines())
	return Merge(batches...)
}

// Close stops the listen goroutine, then aborts the sources in reverse
// insertion order, then the loopback. It is idempotent.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done

		r.mu.Lock()
		r.closed = true
		sources := append(r.sources, r.toAdd...)
		r.sources, r.toAdd, r.toRemove = nil, nil, nil
		r.mu.Unlock()

		for i := len(sources) - 1; i >= 0; i-- {
			sources[i].Abort()
		}
		r.loopback.Abort()
		log.Debug().Int("sources", len(sources)).Msg("registry closed")
	})
}

func (r *Registry) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// apply moves scheduled additions and removals into the active set.
func (r *Registry) apply() {
	r.mu.Lock()
	add, remove := r.toAdd, r.toRemove
	r.toAdd, r.toRemove = nil, nil
	auto := r.autoNewline
	if len(remove) > 0 {
		r.sources = slices.DeleteFunc(r.sources, func(s capture.Source) bool { return slices.Contains(remove, s) })
	}
	r.sources = append(r.sources, add...)
	r.mu.Unlock()

	for _, s := range remove {
		s.Abort()
		r.loopback.Add(fmt.Sprintf("Source '%s' was removed.", s.Description()))
		log.Debug().Str("source", s.Description()).Str("kind", s.Kind().String()).Msg("source removed")
	}
	for _, s := range add {
		s.SetAutoNewline(auto)
		r.loopback.Add(fmt.Sprintf("Source '%s' was added.", s.Description()))
		log.Debug().Str("source", s.Description()).Str("kind", s.Kind().String()).Msg("source added")
	}
}

// waitSet builds the select cases: ctx, wake, timeout, then the Ready
// channel of every source that has not ended.
func (r *Registry) waitSet(ctx context.Context) []reflect.SelectCase {
	r.mu.Lock()
	sources := slices.Clone(r.sources)
	r.mu.Unlock()

	cases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.wake)},
		{Dir: reflect.SelectRecv},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.loopback.Ready())},
	}
	for _, s := range sources {
		if s.AtEnd() {
			continue
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.Ready())})
	}
	return cases
}

const (
	caseDone = iota
	caseWake
	caseTimeout
)

func (r *Registry) listen(ctx context.Context) {
	defer close(r.done)

	dirty := true
	var cases []reflect.SelectCase
	for {
		if dirty {
			r.apply()
			cases = r.waitSet(ctx)
			dirty = false
			r.notify()
		}
		timer := time.NewTimer(pollInterval)
		cases[caseTimeout].Chan = reflect.ValueOf(timer.C)
		chosen, _, _ := reflect.Select(cases)
		timer.Stop()

		switch chosen {
		case caseDone:
			return
		case caseWake:
			dirty = true
		case caseTimeout:
			// Sources that ended leave the wait set; the consumer reaps them.
			if n := len(r.waitSet(ctx)); n != len(cases) {
				dirty = true
			}
		default:
			r.notify()
		}
	}
}

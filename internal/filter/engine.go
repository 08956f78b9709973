package filter

import (
	"github.com/coffersTech/nanotrace/internal/model"
)

// LogFilter holds the two independent rule sets of a view.
type LogFilter struct {
	MessageFilters []*Filter
	ProcessFilters []*Filter
}

// Hint tells a view how to decorate an included line. Range hints carry
// byte offsets into the matched field; line hints apply to the whole line.
type Hint struct {
	Type       FilterType `json:"type"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Background Color      `json:"background"`
	Foreground Color      `json:"foreground"`
	// Process is set for hints produced by process rules.
	Process bool `json:"process,omitempty"`
}

// IsRange reports whether the hint covers only part of the text.
func (h Hint) IsRange() bool { return h.Type.rangeHint() }

// Result is the outcome of evaluating one candidate.
type Result struct {
	Included bool
	Hints    []Hint
}

// Has reports whether a hint of type t was produced.
func (r Result) Has(t FilterType) bool {
	for _, h := range r.Hints {
		if h.Type == t {
			return true
		}
	}
	return false
}

// Engine evaluates rule sets. It owns the color table for Auto colored
// matches, which lives as long as the engine. An Engine and the Matched
// flags of its rules belong to one goroutine.
type Engine struct {
	palette *Palette
	colors  map[string]Color
}

// NewEngine returns an engine with an empty color table.
func NewEngine() *Engine {
	return &Engine{palette: NewPalette(0), colors: make(map[string]Color)}
}

// Reset forgets the assigned match colors.
func (e *Engine) Reset() {
	e.colors = make(map[string]Color)
}

// ColorFor returns the color assigned to key, assigning a new one for an
// unseen key.
func (e *Engine) ColorFor(key string) Color {
	if c, ok := e.colors[key]; ok {
		return c
	}
	c := e.palette.Back()
	e.colors[key] = c
	return c
}

// Evaluate applies rules to text.
//
// An enabled Exclude match rejects the candidate. Include and Once rules are
// include rules: when any is enabled, the candidate needs an Include match
// or the first match of a Once rule. Hints are produced only for included
// candidates.
func (e *Engine) Evaluate(text string, rules []*Filter) Result {
	ok, once := accepts(text, rules)
	if !ok {
		return Result{}
	}
	markMatched(once)
	return Result{Included: true, Hints: e.hints(text, rules)}
}

// EvaluateLine applies the process rules to the process name and the
// message rules to the message. The line is included when both accept it.
// Once rules are spent and colors assigned only for included lines.
func (e *Engine) EvaluateLine(line model.Line, lf *LogFilter) Result {
	if lf == nil {
		return Result{Included: true}
	}
	ok, procOnce := accepts(line.ProcessName, lf.ProcessFilters)
	if !ok {
		return Result{}
	}
	ok, msgOnce := accepts(line.Message, lf.MessageFilters)
	if !ok {
		return Result{}
	}
	markMatched(procOnce)
	markMatched(msgOnce)

	hints := e.hints(line.Message, lf.MessageFilters)
	for _, h := range e.hints(line.ProcessName, lf.ProcessFilters) {
		h.Process = true
		hints = append(hints, h)
	}
	return Result{Included: true, Hints: hints}
}

// accepts decides inclusion without side effects. It returns the unspent
// Once rules that matched; the caller marks them when the candidate is kept.
func accepts(text string, rules []*Filter) (bool, []*Filter) {
	for _, f := range rules {
		if f.Enabled && f.FilterType == Exclude && f.Match(text) {
			return false, nil
		}
	}

	includePresent := false
	included := false
	var once []*Filter
	for _, f := range rules {
		if !f.Enabled {
			continue
		}
		switch f.FilterType {
		case Include:
			includePresent = true
			if f.Match(text) {
				included = true
			}
		case Once:
			includePresent = true
			if !f.Matched && f.Match(text) {
				once = append(once, f)
				included = true
			}
		}
	}
	if includePresent && !included {
		return false, nil
	}
	return true, once
}

func markMatched(rules []*Filter) {
	for _, f := range rules {
		f.Matched = true
	}
}

func (e *Engine) hints(text string, rules []*Filter) []Hint {
	var hints []Hint
	for _, f := range rules {
		if !f.Enabled {
			continue
		}
		switch f.FilterType {
		case Include:
			if f.Match(text) {
				hints = append(hints, e.lineHint(f, text))
			}
		case Highlight, Token, MatchColor:
			hints = append(hints, e.rangeHints(f, text)...)
		case Stop, Track, Beep, Clear:
			if f.Match(text) {
				hints = append(hints, e.lineHint(f, text))
			}
		}
	}
	return hints
}

func (e *Engine) lineHint(f *Filter, text string) Hint {
	bg := f.Background
	if bg == Auto {
		key := text
		if s := f.matches(text); len(s) > 0 {
			key = s[0].key
		}
		bg = e.ColorFor(key)
	}
	return Hint{Type: f.FilterType, Background: bg, Foreground: foreground(f)}
}

func (e *Engine) rangeHints(f *Filter, text string) []Hint {
	spans := f.matches(text)
	hints := make([]Hint, 0, len(spans))
	for _, s := range spans {
		bg := f.Background
		if bg == Auto {
			bg = e.ColorFor(s.key)
		}
		hints = append(hints, Hint{Type: f.FilterType, Start: s.start, End: s.end, Background: bg, Foreground: foreground(f)})
	}
	return hints
}

func foreground(f *Filter) Color {
	if f.Foreground == Auto {
		return DefaultFg
	}
	return f.Foreground
}

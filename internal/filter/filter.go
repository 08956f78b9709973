// Package filter decides which lines enter the log and how matches are
// decorated.
package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/phuslu/log"
)

// MatchTimeout bounds a single pattern evaluation.
var MatchTimeout = 100 * time.Millisecond

// PatternError reports a pattern the regex engine rejected.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("filter: invalid pattern %q: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// Filter is one rule. The compiled pattern always matches (Text, MatchType);
// change them only through SetText and SetMatchType.
type Filter struct {
	Text       string
	MatchType  MatchType
	FilterType FilterType
	Background Color
	Foreground Color
	Enabled    bool
	// Matched records that a Once rule has fired.
	Matched bool

	re *regexp2.Regexp
}

// New compiles a rule. RegexGroups rules are always Token rules.
func New(text string, mt MatchType, ft FilterType, bg, fg Color) (*Filter, error) {
	f := &Filter{Text: text, MatchType: mt, FilterType: ft, Background: bg, Foreground: fg, Enabled: true}
	if err := f.compile(); err != nil {
		return nil, err
	}
	return f, nil
}

// MustNew is New for patterns known to be valid.
func MustNew(text string, mt MatchType, ft FilterType) *Filter {
	f, err := New(text, mt, ft, Auto, DefaultFg)
	if err != nil {
		panic(err)
	}
	return f
}

// SetText recompiles the rule with a new pattern. The rule is unchanged on
// error.
func (f *Filter) SetText(text string) error {
	old := f.Text
	f.Text = text
	if err := f.compile(); err != nil {
		f.Text = old
		return err
	}
	return nil
}

// SetMatchType recompiles the rule with a new match type. The rule is
// unchanged on error.
func (f *Filter) SetMatchType(mt MatchType) error {
	old, oldType := f.MatchType, f.FilterType
	f.MatchType = mt
	if err := f.compile(); err != nil {
		f.MatchType, f.FilterType = old, oldType
		return err
	}
	return nil
}

func (f *Filter) compile() error {
	if f.MatchType < Simple || f.MatchType > RegexGroups {
		return &PatternError{Pattern: f.Text, Err: fmt.Errorf("unknown match type %d", int(f.MatchType))}
	}
	opts := regexp2.RegexOptions(regexp2.IgnoreCase)
	if f.MatchType == RegexCase {
		opts = regexp2.None
	}
	pattern := MakePattern(f.MatchType, f.Text)
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return &PatternError{Pattern: f.Text, Err: err}
	}
	re.MatchTimeout = MatchTimeout
	f.re = re
	if f.MatchType == RegexGroups {
		f.FilterType = Token
	}
	return nil
}

// MakePattern turns text into a regular expression for mt.
func MakePattern(mt MatchType, text string) string {
	switch mt {
	case Simple:
		return escape(text, false)
	case Wildcard:
		return escape(text, true)
	default:
		return text
	}
}

func escape(text string, wildcard bool) string {
	var b strings.Builder
	for _, r := range text {
		if wildcard && r == '*' {
			b.WriteString(".*")
			continue
		}
		if wildcard && r == '?' {
			b.WriteString(".?")
			continue
		}
		if strings.ContainsRune(`^$\.*+?()[]{}|`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Match reports whether the rule matches text.
func (f *Filter) Match(text string) bool {
	ok, err := f.re.MatchString(text)
	if err != nil {
		log.Debug().Str("pattern", f.Text).Err(err).Msg("filter match aborted")
		return false
	}
	return ok
}

// span is a matched range in byte offsets.
type span struct {
	start, end int
	key        string
}

// matches returns every match of the rule in text. For RegexGroups each
// capture group is a span and all of them share the key made of the
// group texts joined by \x1f.
func (f *Filter) matches(text string) []span {
	m, err := f.re.FindStringMatch(text)
	if err != nil || m == nil {
		return nil
	}
	offs := newOffsets(text)
	var spans []span
	for m != nil {
		groups := m.Groups()
		if f.MatchType == RegexGroups && len(groups) > 1 {
			parts := make([]string, 0, len(groups)-1)
			for _, g := range groups[1:] {
				parts = append(parts, g.String())
			}
			key := strings.Join(parts, "\x1f")
			for _, g := range groups[1:] {
				if len(g.Captures) == 0 {
					continue
				}
				spans = append(spans, span{start: offs.at(g.Index), end: offs.at(g.Index + g.Length), key: key})
			}
		} else {
			spans = append(spans, span{start: offs.at(m.Index), end: offs.at(m.Index + m.Length), key: m.String()})
		}
		if m.Length == 0 {
			break
		}
		if m, err = f.re.FindNextMatch(m); err != nil {
			break
		}
	}
	return spans
}

// offsets maps rune indexes reported by regexp2 to byte offsets.
type offsets struct {
	bytes []int
}

func newOffsets(text string) offsets {
	ascii := true
	for i := 0; i < len(text); i++ {
		if text[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return offsets{}
	}
	idx := make([]int, 0, len(text)+1)
	for i := range text {
		idx = append(idx, i)
	}
	idx = append(idx, len(text))
	return offsets{bytes: idx}
}

func (o offsets) at(runeIndex int) int {
	if o.bytes == nil {
		return runeIndex
	}
	if runeIndex >= len(o.bytes) {
		return o.bytes[len(o.bytes)-1]
	}
	return o.bytes[runeIndex]
}

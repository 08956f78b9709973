package filter

import (
	"fmt"
	"strconv"
)

// MatchType selects how Filter.Text becomes a pattern.
type MatchType int

const (
	Simple MatchType = iota
	Wildcard
	Regex
	RegexCase
	RegexGroups
)

var matchTypeNames = [...]string{"Simple", "Wildcard", "Regex", "RegexCase", "RegexGroups"}

func (m MatchType) String() string {
	if m >= 0 && int(m) < len(matchTypeNames) {
		return matchTypeNames[m]
	}
	return "MatchType(" + strconv.Itoa(int(m)) + ")"
}

func (m MatchType) MarshalText() ([]byte, error) {
	if m < 0 || int(m) >= len(matchTypeNames) {
		return nil, fmt.Errorf("filter: invalid match type %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText accepts a name or its integer value.
func (m *MatchType) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), matchTypeNames[:])
	if err != nil {
		return fmt.Errorf("filter: match type: %w", err)
	}
	*m = MatchType(v)
	return nil
}

// FilterType selects what a matching rule does. The integer values are
// stable and appear in persisted rule sets.
type FilterType int

const (
	Include FilterType = iota
	Exclude
	Highlight
	Token
	Stop
	Track
	Once
	Clear
	Beep
	MatchColor
)

var filterTypeNames = [...]string{"Include", "Exclude", "Highlight", "Token", "Stop", "Track", "Once", "Clear", "Beep", "MatchColor"}

func (t FilterType) String() string {
	if t >= 0 && int(t) < len(filterTypeNames) {
		return filterTypeNames[t]
	}
	return "FilterType(" + strconv.Itoa(int(t)) + ")"
}

func (t FilterType) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(filterTypeNames) {
		return nil, fmt.Errorf("filter: invalid filter type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *FilterType) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), filterTypeNames[:])
	if err != nil {
		return fmt.Errorf("filter: filter type: %w", err)
	}
	*t = FilterType(v)
	return nil
}

// rangeHint reports whether matches of this type are reported per match
// rather than per line.
func (t FilterType) rangeHint() bool {
	return t == Highlight || t == Token || t == MatchColor
}

func parseEnum(s string, names []string) (int, error) {
	for i, n := range names {
		if n == s {
			return i, nil
		}
	}
	if v, err := strconv.Atoi(s); err == nil && v >= 0 && v < len(names) {
		return v, nil
	}
	return 0, fmt.Errorf("unknown value %q", s)
}

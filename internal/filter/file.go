package filter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ruleSetFile is the persisted form of a LogFilter.
type ruleSetFile struct {
	Name           string       `yaml:"name" json:"name"`
	MessageFilters []ruleRecord `yaml:"message_filters,omitempty" json:"message_filters,omitempty"`
	ProcessFilters []ruleRecord `yaml:"process_filters,omitempty" json:"process_filters,omitempty"`
}

type ruleRecord struct {
	Text       string     `yaml:"text" json:"text"`
	MatchType  MatchType  `yaml:"match_type" json:"match_type"`
	FilterType FilterType `yaml:"filter_type" json:"filter_type"`
	Background *Color     `yaml:"background,omitempty" json:"background,omitempty"`
	Foreground *Color     `yaml:"foreground,omitempty" json:"foreground,omitempty"`
	Enabled    *bool      `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Load reads a rule set from a .yaml/.yml or .json file. JSON files may
// contain comments and trailing commas. MatchColor rules load as Token
// rules with an Auto background.
func Load(path string) (string, *LogFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	var rs ruleSetFile
	if isJSON(path) {
		err = json.Unmarshal(jsonc.ToJSON(data), &rs)
	} else {
		err = yaml.Unmarshal(data, &rs)
	}
	if err != nil {
		return "", nil, fmt.Errorf("filter: parse %s: %w", path, err)
	}

	lf := &LogFilter{}
	if lf.MessageFilters, err = fromRecords(rs.MessageFilters); err != nil {
		return "", nil, fmt.Errorf("filter: %s: message filters: %w", path, err)
	}
	if lf.ProcessFilters, err = fromRecords(rs.ProcessFilters); err != nil {
		return "", nil, fmt.Errorf("filter: %s: process filters: %w", path, err)
	}
	return rs.Name, lf, nil
}

// Save writes lf under name, in YAML or JSON depending on the extension.
func Save(path, name string, lf *LogFilter) error {
	rs := ruleSetFile{Name: name}
	if lf != nil {
		rs.MessageFilters = toRecords(lf.MessageFilters)
		rs.ProcessFilters = toRecords(lf.ProcessFilters)
	}
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(rs, "", "  ")
	} else {
		data, err = yaml.Marshal(rs)
	}
	if err != nil {
		return fmt.Errorf("filter: encode %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func fromRecords(records []ruleRecord) ([]*Filter, error) {
	filters := make([]*Filter, 0, len(records))
	for i, r := range records {
		bg, fg := DefaultBg, DefaultFg
		if r.Background != nil {
			bg = *r.Background
		}
		if r.Foreground != nil {
			fg = *r.Foreground
		}
		ft := r.FilterType
		if ft == MatchColor {
			ft, bg = Token, Auto
		}
		f, err := New(r.Text, r.MatchType, ft, bg, fg)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if r.Enabled != nil {
			f.Enabled = *r.Enabled
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func toRecords(filters []*Filter) []ruleRecord {
	records := make([]ruleRecord, 0, len(filters))
	for _, f := range filters {
		bg, fg, enabled := f.Background, f.Foreground, f.Enabled
		records = append(records, ruleRecord{
			Text:       f.Text,
			MatchType:  f.MatchType,
			FilterType: f.FilterType,
			Background: &bg,
			Foreground: &fg,
			Enabled:    &enabled,
		})
	}
	return records
}

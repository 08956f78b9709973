package engine

import (
	"github.com/coffersTech/nanotrace/internal/model"
	"github.com/coffersTech/nanotrace/internal/pkg/nanoql"
)

// DefaultSearchLimit caps search results when no limit is given.
const DefaultSearchLimit = 100

// SearchRequest selects messages from the log.
type SearchRequest struct {
	Query string
	Limit int
	// After skips indexes below it; use the last seen index + 1 to page.
	After int
	// Oldest returns the oldest matches first instead of the newest.
	Oldest bool
}

// Search returns up to Limit messages matching the query.
func Search(l *MessageLog, req SearchRequest) ([]model.Message, error) {
	node, err := nanoql.Parse(req.Query)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	lo := max(l.First(), req.After)
	hi := l.Count()

	result := make([]model.Message, 0, min(limit, max(hi-lo, 0)))
	visit := func(i int) bool {
		m, err := l.Get(i)
		if err != nil {
			return true
		}
		if nanoql.Match(node, &m) {
			result = append(result, m)
		}
		return len(result) < limit
	}
	if req.Oldest {
		for i := lo; i < hi; i++ {
			if !visit(i) {
				break
			}
		}
	} else {
		for i := hi - 1; i >= lo; i-- {
			if !visit(i) {
				break
			}
		}
	}
	return result, nil
}

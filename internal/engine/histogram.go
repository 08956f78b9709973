package engine

import (
	"sort"

	"github.com/coffersTech/nanotrace/internal/pkg/nanoql"
)

// HistogramPoint counts the messages of one bucket. Time is the bucket
// start in Unix milliseconds.
type HistogramPoint struct {
	Time  int64 `json:"time"`
	Count int   `json:"count"`
}

// ComputeHistogram buckets the messages matching query by wall clock time.
// start and end bound the range in Unix milliseconds; zero leaves a side
// open.
func ComputeHistogram(l *MessageLog, start, end, interval int64, query string) ([]HistogramPoint, error) {
	node, err := nanoql.Parse(query)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 1000
	}

	buckets := make(map[int64]int)
	for i := l.First(); i < l.Count(); i++ {
		m, err := l.Get(i)
		if err != nil {
			continue
		}
		ts := m.SystemTime.Time().UnixMilli()
		if (start > 0 && ts < start) || (end > 0 && ts > end) {
			continue
		}
		if !nanoql.Match(node, &m) {
			continue
		}
		buckets[floorDiv(ts, interval)*interval]++
	}

	points := make([]HistogramPoint, 0, len(buckets))
	for t, c := range buckets {
		points = append(points, HistogramPoint{Time: t, Count: c})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Time < points[j].Time
	})
	return points, nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

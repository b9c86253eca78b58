package cache

import (
	"sort"

	"github.com/mysitemetrics/sitemetrics/internal/ga4"
)

// NoIndex marks rows written without a row correlation key
const NoIndex = -1

// Entry is one stored metric value
type Entry struct {
	DimensionName  string // empty for aggregate reports
	DimensionValue string
	MetricKey      string
	MetricType     string
	MetricValue    float64
	RowIndex       int
	MetricIndex    int
}

func (e Entry) hasDimension() bool {
	return e.DimensionName != ""
}

// Flatten emits one entry per (row, metric) pair. Only the first dimension of
// a row is kept.
func Flatten(r *ga4.Report) []Entry {
	if r == nil {
		return nil
	}
	var dimName string
	if len(r.DimensionHeaders) > 0 {
		dimName = r.DimensionHeaders[0].Name
	}

	out := make([]Entry, 0, len(r.Rows)*len(r.MetricHeaders))
	for i, row := range r.Rows {
		var dimValue string
		if dimName != "" && len(row.DimensionValues) > 0 {
			dimValue = row.DimensionValues[0]
		}
		for j, v := range row.MetricValues {
			e := Entry{
				DimensionName:  dimName,
				DimensionValue: dimValue,
				MetricValue:    v,
				RowIndex:       i,
				MetricIndex:    j,
			}
			if j < len(r.MetricHeaders) {
				e.MetricKey = r.MetricHeaders[j].Name
				e.MetricType = r.MetricHeaders[j].Type
			}
			out = append(out, e)
		}
	}
	return out
}

// Reconstruct rebuilds a report from stored entries. Entries carrying row
// indices are regrouped exactly; entries without them fall back to grouping by
// dimension value, keeping only the first value of each group.
func Reconstruct(entries []Entry) *ga4.Report {
	r := &ga4.Report{
		DimensionHeaders: []ga4.DimensionHeader{},
		MetricHeaders:    []ga4.MetricHeader{},
		Rows:             []ga4.Row{},
	}
	if len(entries) == 0 {
		return r
	}
	for _, e := range entries {
		if e.hasDimension() {
			r.DimensionHeaders = []ga4.DimensionHeader{{Name: e.DimensionName}}
			break
		}
	}

	for _, e := range entries {
		if e.RowIndex < 0 || e.MetricIndex < 0 {
			return reconstructGrouped(r, entries)
		}
	}
	return reconstructIndexed(r, entries)
}

func reconstructIndexed(r *ga4.Report, entries []Entry) *ga4.Report {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(a, b int) bool {
		if sorted[a].RowIndex != sorted[b].RowIndex {
			return sorted[a].RowIndex < sorted[b].RowIndex
		}
		return sorted[a].MetricIndex < sorted[b].MetricIndex
	})

	headers := map[int]ga4.MetricHeader{}
	maxMetric := -1
	for i := 0; i < len(sorted); {
		e := sorted[i]
		row := ga4.Row{}
		if e.hasDimension() {
			row.DimensionValues = []string{e.DimensionValue}
		}
		for ; i < len(sorted) && sorted[i].RowIndex == e.RowIndex; i++ {
			m := sorted[i]
			row.MetricValues = append(row.MetricValues, m.MetricValue)
			if _, ok := headers[m.MetricIndex]; !ok {
				headers[m.MetricIndex] = ga4.MetricHeader{Name: m.MetricKey, Type: m.MetricType}
			}
			if m.MetricIndex > maxMetric {
				maxMetric = m.MetricIndex
			}
		}
		r.Rows = append(r.Rows, row)
	}
	for j := 0; j <= maxMetric; j++ {
		r.MetricHeaders = append(r.MetricHeaders, headers[j])
	}
	return r
}

func reconstructGrouped(r *ga4.Report, entries []Entry) *ga4.Report {
	seenMetric := map[string]bool{}
	seenGroup := map[string]bool{}
	for _, e := range entries {
		if !seenMetric[e.MetricKey] {
			seenMetric[e.MetricKey] = true
			r.MetricHeaders = append(r.MetricHeaders, ga4.MetricHeader{Name: e.MetricKey, Type: e.MetricType})
		}
		if !e.hasDimension() {
			r.Rows = append(r.Rows, ga4.Row{MetricValues: []float64{e.MetricValue}})
			continue
		}
		if seenGroup[e.DimensionValue] {
			continue
		}
		seenGroup[e.DimensionValue] = true
		r.Rows = append(r.Rows, ga4.Row{
			DimensionValues: []string{e.DimensionValue},
			MetricValues:    []float64{e.MetricValue},
		})
	}
	return r
}

package ga4

import "time"

// Report is the normalised shape every fetcher returns, live or mock
type Report struct {
	DimensionHeaders []DimensionHeader `json:"dimension_headers"`
	MetricHeaders    []MetricHeader    `json:"metric_headers"`
	Rows             []Row             `json:"rows"`
}

type DimensionHeader struct {
	Name string `json:"name"`
}

type MetricHeader struct {
	Name string `json:"name"`
	Type string `json:"type"` // "TYPE_INTEGER","TYPE_FLOAT","TYPE_SECONDS",...
}

// Row holds one value per declared dimension and one per declared metric
type Row struct {
	DimensionValues []string  `json:"dimension_values,omitempty"`
	MetricValues    []float64 `json:"metric_values"`
}

const (
	TypeInteger = "TYPE_INTEGER"
	TypeFloat   = "TYPE_FLOAT"
	TypeSeconds = "TYPE_SECONDS"
)

const dateLayout = "2006-01-02"

// DateRange is an inclusive calendar-day window in YYYY-MM-DD form
type DateRange struct {
	StartDate string `json:"start"`
	EndDate   string `json:"end"`
}

// DefaultRange returns the last 30 days ending today
func DefaultRange(now time.Time) DateRange {
	return DateRange{
		StartDate: now.AddDate(0, 0, -30).Format(dateLayout),
		EndDate:   now.Format(dateLayout),
	}
}

// WithDefaults fills a missing start or end from DefaultRange
func (r DateRange) WithDefaults(now time.Time) DateRange {
	d := DefaultRange(now)
	if r.StartDate == "" {
		r.StartDate = d.StartDate
	}
	if r.EndDate == "" {
		r.EndDate = d.EndDate
	}
	return r
}

// Query identifies one fetch: the report kind, the GA4 property and the window.
// Range is ignored for realtime reports.
type Query struct {
	Kind       Kind
	PropertyID string
	Range      DateRange
}

package ga4

import (
	"cmp"
	"context"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
)

var dimensionLabels = map[string][]string{
	"sessionDefaultChannelGroup": {"Organic Search", "Direct", "Social", "Referral", "Email"},
	"pagePath":                   {"/", "/about", "/services", "/contact", "/blog", "/products", "/pricing"},
	"country":                    {"United States", "Canada", "United Kingdom", "Germany", "France"},
}

// valueRange is an inclusive bound for one synthetic metric value
type valueRange struct {
	min, max float64
	fraction bool // rates are rounded to 4 places instead of whole numbers
}

// per-row ranges when the report is broken down by a dimension
var breakdownRanges = map[string]valueRange{
	"activeUsers":            {100, 5000, false},
	"sessions":               {150, 6000, false},
	"screenPageViews":        {200, 8000, false},
	"bounceRate":             {0.3, 0.8, true},
	"averageSessionDuration": {120, 300, false},
	"userEngagementDuration": {60, 200, false},
}

// ranges for a single aggregate row
var aggregateRanges = map[string]valueRange{
	"activeUsers":            {1000, 10000, false},
	"sessions":               {1500, 12000, false},
	"screenPageViews":        {2000, 15000, false},
	"bounceRate":             {0.4, 0.7, true},
	"averageSessionDuration": {120, 300, false},
	"userEngagementDuration": {80, 250, false},
}

var realtimeRange = valueRange{5, 50, false}

// breakdownRows draw one row of related values for a kind, in the kind's
// metric order
var breakdownRows = map[Kind]func(rng *rand.Rand) []float64{
	// sessions, activeUsers; users never exceed 90% of sessions
	KindTrafficSources: func(rng *rand.Rand) []float64 {
		sessions := intBetween(rng, 100, 2000)
		users := intBetween(rng, 80, int64(float64(sessions)*0.9))
		return []float64{float64(sessions), float64(users)}
	},
	// screenPageViews, sessions, userEngagementDuration, bounceRate
	KindPagePerformance: func(rng *rand.Rand) []float64 {
		views := intBetween(rng, 50, 1000)
		sessions := intBetween(rng, 40, int64(float64(views)*0.8))
		engagement := intBetween(rng, 30, 300)
		bounce := math.Round((0.2+rng.Float64()*0.6)*10000) / 10000
		return []float64{float64(views), float64(sessions), float64(engagement), bounce}
	},
}

// Mock produces synthetic reports with the same headers a live call would
// return for the same dimensions and metrics. It is safe for concurrent use.
type Mock struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ Fetcher = (*Mock)(nil)

// NewMock creates a mock fetcher seeded from the global source
func NewMock() *Mock {
	return NewSeededMock(rand.Uint64())
}

// NewSeededMock creates a mock fetcher whose output is reproducible for a seed
func NewSeededMock(seed uint64) *Mock {
	return &Mock{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Fetch implements Fetcher
func (m *Mock) Fetch(_ context.Context, q Query) *Report {
	shape, err := ShapeOf(q.Kind)
	if err != nil {
		return &Report{DimensionHeaders: []DimensionHeader{}, MetricHeaders: []MetricHeader{}, Rows: []Row{}}
	}
	if shape.Realtime {
		return m.generate(nil, shape.Metrics, func(string) valueRange { return realtimeRange })
	}
	if rowFor, ok := breakdownRows[q.Kind]; ok {
		return m.breakdown(shape, rowFor)
	}
	return m.Generate(shape.Dimensions, shape.Metrics)
}

// breakdown builds one related row per label, ordered like a live report
func (m *Mock) breakdown(shape Shape, rowFor func(*rand.Rand) []float64) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &Report{
		DimensionHeaders: make([]DimensionHeader, 0, len(shape.Dimensions)),
		MetricHeaders:    make([]MetricHeader, 0, len(shape.Metrics)),
		Rows:             []Row{},
	}
	for _, d := range shape.Dimensions {
		r.DimensionHeaders = append(r.DimensionHeaders, DimensionHeader{Name: d})
	}
	for _, name := range shape.Metrics {
		r.MetricHeaders = append(r.MetricHeaders, MetricHeader{Name: name, Type: metricType(name)})
	}
	for _, label := range dimensionLabels[shape.Dimensions[0]] {
		r.Rows = append(r.Rows, Row{
			DimensionValues: padDimensions([]string{label}, len(shape.Dimensions)),
			MetricValues:    rowFor(m.rng),
		})
	}

	if i := slices.Index(shape.Metrics, shape.OrderBy); i >= 0 {
		slices.SortStableFunc(r.Rows, func(a, b Row) int {
			return cmp.Compare(b.MetricValues[i], a.MetricValues[i])
		})
	}
	if shape.Limit > 0 && len(r.Rows) > shape.Limit {
		r.Rows = r.Rows[:shape.Limit]
	}
	return r
}

// Generate builds a report for arbitrary dimension and metric names. A known
// breakdown dimension yields one row per label; otherwise a single aggregate row.
func (m *Mock) Generate(dimensions, metrics []string) *Report {
	ranges := aggregateRanges
	if len(dimensions) > 0 {
		if _, ok := dimensionLabels[dimensions[0]]; ok {
			ranges = breakdownRanges
		}
	}
	return m.generate(dimensions, metrics, func(metric string) valueRange {
		if r, ok := ranges[metric]; ok {
			return r
		}
		return valueRange{50, 1000, false}
	})
}

func (m *Mock) generate(dimensions, metrics []string, rangeFor func(string) valueRange) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &Report{
		DimensionHeaders: make([]DimensionHeader, 0, len(dimensions)),
		MetricHeaders:    make([]MetricHeader, 0, len(metrics)),
		Rows:             []Row{},
	}
	for _, d := range dimensions {
		r.DimensionHeaders = append(r.DimensionHeaders, DimensionHeader{Name: d})
	}
	for _, name := range metrics {
		r.MetricHeaders = append(r.MetricHeaders, MetricHeader{Name: name, Type: metricType(name)})
	}

	var labels []string
	if len(dimensions) > 0 {
		labels = dimensionLabels[dimensions[0]]
	}

	if len(labels) == 0 {
		row := Row{MetricValues: m.values(metrics, rangeFor)}
		if len(dimensions) > 0 {
			// unknown breakdown: one row labelled "(other)" keeps the shape
			row.DimensionValues = padDimensions([]string{"(other)"}, len(dimensions))
		}
		r.Rows = append(r.Rows, row)
		return r
	}

	for _, label := range labels {
		r.Rows = append(r.Rows, Row{
			DimensionValues: padDimensions([]string{label}, len(dimensions)),
			MetricValues:    m.values(metrics, rangeFor),
		})
	}
	return r
}

func (m *Mock) values(metrics []string, rangeFor func(string) valueRange) []float64 {
	out := make([]float64, 0, len(metrics))
	for _, name := range metrics {
		vr := rangeFor(name)
		if vr.fraction {
			v := vr.min + m.rng.Float64()*(vr.max-vr.min)
			out = append(out, math.Round(v*10000)/10000)
			continue
		}
		out = append(out, float64(intBetween(m.rng, int64(vr.min), int64(vr.max))))
	}
	return out
}

// intBetween returns a uniform integer in [lo, hi]
func intBetween(rng *rand.Rand, lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Int64N(hi-lo+1)
}

// padDimensions extends values with "(not set)" so every declared dimension has a value
func padDimensions(values []string, n int) []string {
	for len(values) < n {
		values = append(values, "(not set)")
	}
	return values
}

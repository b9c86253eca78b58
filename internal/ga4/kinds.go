package ga4

import "fmt"

// Kind names one of the fixed report types. The string value doubles as the
// cache metric name.
type Kind string

const (
	KindOverview        Kind = "overview"
	KindTrafficSources  Kind = "traffic_sources"
	KindPagePerformance Kind = "page_performance"
	KindRealtime        Kind = "realtime"
)

// Shape is the request shape sent upstream for a Kind
type Shape struct {
	Dimensions []string
	Metrics    []string
	OrderBy    string // metric name, always descending
	Limit      int
	Realtime   bool
}

var shapes = map[Kind]Shape{
	KindOverview: {
		Metrics: []string{"activeUsers", "sessions", "screenPageViews", "bounceRate", "averageSessionDuration"},
	},
	KindTrafficSources: {
		Dimensions: []string{"sessionDefaultChannelGroup"},
		Metrics:    []string{"sessions", "activeUsers"},
		OrderBy:    "sessions",
		Limit:      10,
	},
	KindPagePerformance: {
		Dimensions: []string{"pagePath"},
		Metrics:    []string{"screenPageViews", "sessions", "userEngagementDuration", "bounceRate"},
		OrderBy:    "screenPageViews",
		Limit:      20,
	},
	KindRealtime: {
		Metrics:  []string{"activeUsers"},
		Realtime: true,
	},
}

// ShapeOf returns the fixed request shape for kind
func ShapeOf(kind Kind) (Shape, error) {
	s, ok := shapes[kind]
	if !ok {
		return Shape{}, fmt.Errorf("unknown report kind %q", kind)
	}
	return s, nil
}

// Cacheable reports whether results of this kind may be stored
func (k Kind) Cacheable() bool {
	return k != KindRealtime
}

// CacheableKinds lists the kinds the cache holds, in dashboard order
func CacheableKinds() []Kind {
	return []Kind{KindOverview, KindTrafficSources, KindPagePerformance}
}

// metricType is the header type used when the upstream does not supply one
func metricType(name string) string {
	switch name {
	case "activeUsers", "sessions", "screenPageViews":
		return TypeInteger
	case "averageSessionDuration", "userEngagementDuration":
		return TypeSeconds
	default:
		return TypeFloat
	}
}

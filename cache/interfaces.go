// Package cache stores GA4 reports as flattened, time-limited rows keyed by
// website, report name and date range.
package cache

import (
	"context"
	"time"

	"github.com/mysitemetrics/sitemetrics/internal/ga4"
)

// DefaultTTL is how long a stored report stays live when no TTL is given
const DefaultTTL = 4 * time.Hour

// Key identifies one cached report. All fields must match exactly.
type Key struct {
	WebsiteID  int64
	MetricName string
	Range      ga4.DateRange
}

// Reader defines the interface for reading cached reports
type Reader interface {
	// Get returns the live report for key, or false when nothing unexpired is stored
	Get(ctx context.Context, key Key) (*ga4.Report, bool, error)
}

// Writer defines the interface for storing reports
type Writer interface {
	// Put replaces every row stored under key with the flattened report.
	// A ttl of zero or less uses the store's default.
	Put(ctx context.Context, key Key, report *ga4.Report, ttl time.Duration) error
}

// Clearer removes everything stored for a website
type Clearer interface {
	Clear(ctx context.Context, websiteID int64) (int64, error)
}

// Store combines all cache operations
type Store interface {
	Reader
	Writer
	Clearer
}

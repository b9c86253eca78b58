package analytics

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mysitemetrics/sitemetrics/cache"
	"github.com/mysitemetrics/sitemetrics/internal/ga4"
	"github.com/mysitemetrics/sitemetrics/internal/metrics"
)

// countingFetcher returns a fixed report and counts calls per kind
type countingFetcher struct {
	mu     sync.Mutex
	calls  map[ga4.Kind]int
	report func(ga4.Query) *ga4.Report
}

func newCountingFetcher() *countingFetcher {
	mock := ga4.NewSeededMock(1)
	return &countingFetcher{
		calls:  map[ga4.Kind]int{},
		report: func(q ga4.Query) *ga4.Report { return mock.Fetch(context.Background(), q) },
	}
}

func (f *countingFetcher) Fetch(_ context.Context, q ga4.Query) *ga4.Report {
	f.mu.Lock()
	f.calls[q.Kind]++
	f.mu.Unlock()
	return f.report(q)
}

func (f *countingFetcher) count(k ga4.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[k]
}

// memStore is an in-memory cache.Store with switchable failures
type memStore struct {
	mu      sync.Mutex
	data    map[cache.Key]*ga4.Report
	getErr  error
	putErr  error
	puts    int
	lastTTL time.Duration
}

func newMemStore() *memStore {
	return &memStore{data: map[cache.Key]*ga4.Report{}}
}

func (m *memStore) Get(_ context.Context, key cache.Key) (*ga4.Report, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	r, ok := m.data[key]
	return r, ok, nil
}

func (m *memStore) Put(_ context.Context, key cache.Key, report *ga4.Report, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.lastTTL = ttl
	if m.putErr != nil {
		return m.putErr
	}
	m.data[key] = report
	return nil
}

func (m *memStore) Clear(_ context.Context, websiteID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.data {
		if k.WebsiteID == websiteID {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

var january = ga4.DateRange{StartDate: "2025-01-01", EndDate: "2025-01-31"}

func req(websiteID int64) Request {
	return Request{WebsiteID: websiteID, PropertyID: "123", Range: january}
}

func TestCacheAside(t *testing.T) {
	store := newMemStore()
	fetcher := newCountingFetcher()
	svc := New(store, fetcher, zerolog.Nop(), WithTTL(time.Hour))
	ctx := context.Background()

	first := svc.TrafficSources(ctx, req(1))
	require.NotNil(t, first.Cached)
	assert.False(t, *first.Cached)
	assert.Equal(t, time.Hour, store.lastTTL)

	second := svc.TrafficSources(ctx, req(1))
	require.NotNil(t, second.Cached)
	assert.True(t, *second.Cached)
	assert.Equal(t, first.Data, second.Data)

	assert.Equal(t, 1, fetcher.count(ga4.KindTrafficSources))
}

func TestKindsAreCachedSeparately(t *testing.T) {
	store := newMemStore()
	fetcher := newCountingFetcher()
	svc := New(store, fetcher, zerolog.Nop())
	ctx := context.Background()

	svc.Overview(ctx, req(1))
	svc.PagePerformance(ctx, req(1))
	svc.Overview(ctx, req(2))

	assert.Equal(t, 2, fetcher.count(ga4.KindOverview))
	assert.Equal(t, 1, fetcher.count(ga4.KindPagePerformance))
	assert.Len(t, store.data, 3)
}

func TestRealtimeBypassesCache(t *testing.T) {
	store := newMemStore()
	fetcher := newCountingFetcher()
	svc := New(store, fetcher, zerolog.Nop())
	ctx := context.Background()

	a := svc.Realtime(ctx, "123")
	b := svc.Realtime(ctx, "123")

	assert.Nil(t, a.Cached)
	assert.Nil(t, b.Cached)
	assert.Equal(t, 2, fetcher.count(ga4.KindRealtime))
	assert.Zero(t, store.puts)
}

func TestReadFailureIsAMiss(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("connection refused")
	fetcher := newCountingFetcher()
	c := metrics.NewCollector("test")
	svc := New(store, fetcher, zerolog.Nop(), WithMetrics(c))

	res := svc.Overview(context.Background(), req(1))
	require.NotNil(t, res.Data)
	assert.False(t, *res.Cached)
	assert.Equal(t, 1, fetcher.count(ga4.KindOverview))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StoreErrors.WithLabelValues("get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheMisses.WithLabelValues("overview")))
}

func TestWriteFailureStillReturnsData(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("disk full")
	fetcher := newCountingFetcher()
	c := metrics.NewCollector("test")
	svc := New(store, fetcher, zerolog.Nop(), WithMetrics(c))

	res := svc.PagePerformance(context.Background(), req(1))
	require.NotNil(t, res.Data)
	assert.NotEmpty(t, res.Data.Rows)
	assert.False(t, *res.Cached)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StoreErrors.WithLabelValues("put")))
}

func TestDefaultRange(t *testing.T) {
	store := newMemStore()
	var got ga4.DateRange
	fetcher := newCountingFetcher()
	inner := fetcher.report
	fetcher.report = func(q ga4.Query) *ga4.Report {
		got = q.Range
		return inner(q)
	}
	now := time.Date(2025, 3, 31, 8, 0, 0, 0, time.UTC)
	svc := New(store, fetcher, zerolog.Nop(), WithClock(func() time.Time { return now }))

	svc.Overview(context.Background(), Request{WebsiteID: 1, PropertyID: "123"})
	assert.Equal(t, ga4.DateRange{StartDate: "2025-03-01", EndDate: "2025-03-31"}, got)

	_, ok := store.data[cache.Key{WebsiteID: 1, MetricName: "overview", Range: got}]
	assert.True(t, ok)
}

func TestRefreshReplacesEveryCacheableKind(t *testing.T) {
	store := newMemStore()
	fetcher := newCountingFetcher()
	svc := New(store, fetcher, zerolog.Nop())
	ctx := context.Background()

	svc.Overview(ctx, req(1))
	require.NoError(t, svc.Refresh(ctx, req(1)))

	assert.Equal(t, 2, fetcher.count(ga4.KindOverview))
	assert.Equal(t, 1, fetcher.count(ga4.KindTrafficSources))
	assert.Equal(t, 1, fetcher.count(ga4.KindPagePerformance))
	assert.Zero(t, fetcher.count(ga4.KindRealtime))
	assert.Len(t, store.data, 3)

	res := svc.TrafficSources(ctx, req(1))
	assert.True(t, *res.Cached)
}

func TestRefreshReportsStoreErrors(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("read-only transaction")
	svc := New(store, newCountingFetcher(), zerolog.Nop())

	err := svc.Refresh(context.Background(), req(1))
	assert.ErrorContains(t, err, "read-only transaction")
}

func TestClearCache(t *testing.T) {
	store := newMemStore()
	fetcher := newCountingFetcher()
	svc := New(store, fetcher, zerolog.Nop())
	ctx := context.Background()

	svc.Overview(ctx, req(1))
	svc.TrafficSources(ctx, req(1))
	svc.Overview(ctx, req(2))

	n, err := svc.ClearCache(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.False(t, *svc.Overview(ctx, req(1)).Cached)
	assert.True(t, *svc.Overview(ctx, req(2)).Cached)
}

func TestDashboard(t *testing.T) {
	store := newMemStore()
	fetcher := newCountingFetcher()
	svc := New(store, fetcher, zerolog.Nop())
	ctx := context.Background()

	svc.Dashboard(ctx, req(1))
	d := svc.Dashboard(ctx, req(1))

	assert.True(t, *d.Overview.Cached)
	assert.True(t, *d.TrafficSources.Cached)
	assert.True(t, *d.PagePerformance.Cached)
	assert.Nil(t, d.Realtime.Cached)
	assert.Equal(t, 2, fetcher.count(ga4.KindRealtime))
	assert.Equal(t, 1, fetcher.count(ga4.KindOverview))
}

func TestOverviewScenarioWithSQLStore(t *testing.T) {
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	defer conn.Close()
	ctx := context.Background()
	require.NoError(t, cache.Migrate(ctx, conn))

	store := cache.NewSQLStore(conn)
	users := &ga4.Report{
		DimensionHeaders: []ga4.DimensionHeader{},
		MetricHeaders:    []ga4.MetricHeader{{Name: "activeUsers", Type: ga4.TypeInteger}},
		Rows:             []ga4.Row{{MetricValues: []float64{100}}},
	}
	key := cache.Key{WebsiteID: 1, MetricName: "overview", Range: january}
	require.NoError(t, store.Put(ctx, key, users, 4*time.Hour))

	got, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100.0, got.Rows[0].MetricValues[0])

	fetcher := newCountingFetcher()
	res := New(store, fetcher, zerolog.Nop()).Overview(ctx, req(1))
	require.NotNil(t, res.Cached)
	assert.True(t, *res.Cached)
	assert.Equal(t, users, res.Data)
	assert.Zero(t, fetcher.count(ga4.KindOverview))
}

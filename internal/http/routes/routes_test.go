package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysitemetrics/sitemetrics/cache"
	"github.com/mysitemetrics/sitemetrics/internal/analytics"
	"github.com/mysitemetrics/sitemetrics/internal/auth"
	"github.com/mysitemetrics/sitemetrics/internal/db"
	"github.com/mysitemetrics/sitemetrics/internal/ga4"
	"github.com/mysitemetrics/sitemetrics/internal/jobs"
	"github.com/mysitemetrics/sitemetrics/internal/metrics"
)

type countingFetcher struct {
	mock  *ga4.Mock
	calls atomic.Int32
}

func (f *countingFetcher) Fetch(ctx context.Context, q ga4.Query) *ga4.Report {
	f.calls.Add(1)
	return f.mock.Fetch(ctx, q)
}

type fakeQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *fakeQueue) EnqueueContext(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, t)
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueWarm, Type: t.Type()}, nil
}

type testEnv struct {
	srv     *Server
	fetcher *countingFetcher
	tokens  auth.Tokens
	metrics *metrics.Collector
}

func newTestEnv(t *testing.T, queue jobs.Enqueuer) *testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn))

	q := db.New(conn)
	for _, w := range []db.CreateWebsiteParams{
		{ID: 1, UserID: "alice", Domain: "alice.dev", GA4PropertyID: "111"},
		{ID: 2, UserID: "bob", Domain: "bob.dev", GA4PropertyID: "222"},
		{ID: 3, UserID: "alice", Domain: "no-ga.dev"},
	} {
		_, err := q.CreateWebsite(ctx, w)
		require.NoError(t, err)
	}

	fetcher := &countingFetcher{mock: ga4.NewSeededMock(5)}
	collector := metrics.NewCollector("test")
	svc := analytics.New(cache.NewSQLStore(conn), fetcher, zerolog.Nop(), analytics.WithMetrics(collector))
	tokens := auth.Tokens{Secret: []byte("test-secret"), Issuer: "sitemetrics", TTL: time.Hour}

	srv := New(ServerOptions{
		Logger:    zerolog.Nop(),
		Analytics: svc,
		Sites:     q,
		Tokens:    tokens,
		Queue:     queue,
		Metrics:   collector,
	})
	srv.now = func() time.Time { return time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC) }
	return &testEnv{srv: srv, fetcher: fetcher, tokens: tokens, metrics: collector}
}

func (e *testEnv) do(t *testing.T, method, path, subject, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if subject != "" {
		tok, err := e.tokens.Issue(subject, role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAnalyticsRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/analytics/1/overview", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, env.fetcher.calls.Load())
}

func TestOverviewIsCachedOnSecondCall(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/analytics/1/overview?start_date=2025-01-01&end_date=2025-01-31"

	first := env.do(t, http.MethodGet, path, "alice", "")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	body := decode(t, first)
	assert.Equal(t, float64(1), body["website_id"])
	assert.Equal(t, "alice.dev", body["domain"])
	assert.Equal(t, map[string]any{"start": "2025-01-01", "end": "2025-01-31"}, body["date_range"])
	assert.Equal(t, false, body["cached"])

	second := decode(t, env.do(t, http.MethodGet, path, "alice", ""))
	assert.Equal(t, true, second["cached"])
	assert.Equal(t, body["data"], second["data"])
	assert.Equal(t, int32(1), env.fetcher.calls.Load())
}

func TestDefaultRangeIsLast30Days(t *testing.T) {
	env := newTestEnv(t, nil)
	body := decode(t, env.do(t, http.MethodGet, "/analytics/1/traffic", "alice", ""))
	assert.Equal(t, map[string]any{"start": "2025-01-16", "end": "2025-02-15"}, body["date_range"])

	data := body["data"].(map[string]any)
	assert.Len(t, data["rows"], 5)
}

func TestDateValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		query string
		msg   string
	}{
		{"start_date=01/02/2025", "start_date must be a date in YYYY-MM-DD format"},
		{"end_date=yesterday", "end_date must be a date in YYYY-MM-DD format"},
		{"start_date=2025-02-01&end_date=2025-01-01", "start_date must not be after end_date"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/analytics/1/pages?"+tt.query, "alice", "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.msg, decode(t, rec)["message"])
		})
	}
	assert.Zero(t, env.fetcher.calls.Load())
}

func TestWebsiteAccess(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name    string
		path    string
		subject string
		role    string
		code    int
	}{
		{"owner", "/analytics/1/overview", "alice", "", http.StatusOK},
		{"other user", "/analytics/2/overview", "alice", "", http.StatusForbidden},
		{"admin", "/analytics/2/overview", "alice", auth.RoleAdmin, http.StatusOK},
		{"unknown website", "/analytics/99/overview", "alice", "", http.StatusNotFound},
		{"bad id", "/analytics/abc/overview", "alice", "", http.StatusBadRequest},
		{"no property", "/analytics/3/overview", "alice", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, tt.subject, tt.role)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestRealtimeIsNeverCached(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/analytics/1/realtime", "alice", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.NotContains(t, body, "cached")
		assert.Equal(t, "2025-02-15T12:00:00Z", body["timestamp"])
	}
	assert.Equal(t, int32(2), env.fetcher.calls.Load())
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/analytics/1/dashboard", "alice", "")
	body := decode(t, env.do(t, http.MethodGet, "/analytics/1/dashboard", "alice", ""))

	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["overview"].(map[string]any)["cached"])
	assert.Equal(t, true, data["page_performance"].(map[string]any)["cached"])
	assert.NotContains(t, data["realtime"], "cached")
	assert.Equal(t, int32(5), env.fetcher.calls.Load(), "three cached kinds once, realtime twice")
}

func TestClearCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/analytics/1/overview", "alice", "")
	env.do(t, http.MethodGet, "/analytics/1/traffic", "alice", "")

	rec := env.do(t, http.MethodPost, "/analytics/1/clear-cache", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(15), decode(t, rec)["deleted"], "5 overview metrics + 5 channels x 2 metrics")

	body := decode(t, env.do(t, http.MethodGet, "/analytics/1/overview", "alice", ""))
	assert.Equal(t, false, body["cached"])

	rec = env.do(t, http.MethodPost, "/analytics/2/clear-cache", "alice", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRefreshInline(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/analytics/1/refresh", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int32(3), env.fetcher.calls.Load())

	body := decode(t, env.do(t, http.MethodGet, "/analytics/1/pages", "alice", ""))
	assert.Equal(t, true, body["cached"])
}

func TestRefreshQueued(t *testing.T) {
	queue := &fakeQueue{}
	env := newTestEnv(t, queue)

	rec := env.do(t, http.MethodPost, "/analytics/1/refresh?start_date=2025-01-01&end_date=2025-01-31", "alice", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "task-1", decode(t, rec)["task_id"])
	assert.Zero(t, env.fetcher.calls.Load())

	require.Len(t, queue.tasks, 1)
	var p jobs.WarmCachePayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &p))
	assert.Equal(t, jobs.WarmCachePayload{WebsiteID: 1, PropertyID: "111", StartDate: "2025-01-01", EndDate: "2025-01-31"}, p)

	queue.err = errors.New("redis: connection refused")
	rec = env.do(t, http.MethodPost, "/analytics/1/refresh", "alice", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/analytics/1/overview", "alice", "")
	env.do(t, http.MethodGet, "/analytics/1/overview", "alice", "")

	rec := env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_cache_hits_total{kind="overview"} 1`)
	assert.Contains(t, rec.Body.String(), `test_cache_misses_total{kind="overview"} 1`)
}

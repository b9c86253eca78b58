package ga4

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
)

const DefaultBaseURL = "https://analyticsdata.googleapis.com"

const DefaultTimeout = 15 * time.Second

// BreakerConfig tunes the circuit breaker in front of the upstream API
type BreakerConfig struct {
	MaxRequests      uint32        // allowed through while half-open
	Interval         time.Duration // closed-state window for clearing counts
	Timeout          time.Duration // open-state duration before half-open
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns conservative breaker settings
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Live calls the GA4 Data API. Any upstream failure, including timeouts and
// an open breaker, is answered by the fallback fetcher for that call.
type Live struct {
	http     *http.Client
	baseURL  *url.URL
	tokens   oauth2.TokenSource
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
	fallback Fetcher
	onFail   func(Query, error)
	log      zerolog.Logger
}

var _ Fetcher = (*Live)(nil)

type Option func(*Live)

func WithHTTPClient(h *http.Client) Option {
	return func(l *Live) { l.http = h }
}
func WithBaseURL(raw string) Option {
	return func(l *Live) {
		if u, err := url.Parse(raw); err == nil && raw != "" {
			l.baseURL = u
		}
	}
}
func WithTimeout(d time.Duration) Option {
	return func(l *Live) {
		if d > 0 {
			l.timeout = d
		}
	}
}
func WithFallback(f Fetcher) Option {
	return func(l *Live) { l.fallback = f }
}

// WithFallbackHook registers f to be called whenever a query is answered by the fallback
func WithFallbackHook(f func(Query, error)) Option {
	return func(l *Live) { l.onFail = f }
}
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Live) { l.log = logger }
}
func WithBreaker(cfg BreakerConfig) Option {
	return func(l *Live) { l.breaker = newBreaker(cfg, &l.log) }
}

func newBreaker(cfg BreakerConfig, logger *zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ga4",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// a caller giving up is not an upstream failure
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// NewLive creates a live fetcher. tokens is required; without a fallback
// option the live fetcher falls back to a fresh Mock.
func NewLive(tokens oauth2.TokenSource, opts ...Option) (*Live, error) {
	if tokens == nil {
		return nil, ErrNoCredentials
	}
	u, _ := url.Parse(DefaultBaseURL)
	l := &Live{
		http:    &http.Client{},
		baseURL: u,
		tokens:  tokens,
		timeout: DefaultTimeout,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.breaker == nil {
		l.breaker = newBreaker(DefaultBreakerConfig(), &l.log)
	}
	if l.fallback == nil {
		l.fallback = NewMock()
	}
	return l, nil
}

// Fetch implements Fetcher
func (l *Live) Fetch(ctx context.Context, q Query) *Report {
	r, err := l.Run(ctx, q)
	if err != nil {
		l.log.Warn().Err(err).
			Str("kind", string(q.Kind)).
			Str("property_id", q.PropertyID).
			Msg("ga4 fetch failed, using mock data")
		if l.onFail != nil {
			l.onFail(q, err)
		}
		return l.fallback.Fetch(ctx, q)
	}
	return r
}

// Run performs one upstream call without fallback
func (l *Live) Run(ctx context.Context, q Query) (*Report, error) {
	shape, err := ShapeOf(q.Kind)
	if err != nil {
		return nil, err
	}
	out, err := l.breaker.Execute(func() (interface{}, error) {
		return l.run(ctx, q, shape)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Report), nil
}

func (l *Live) run(ctx context.Context, q Query, shape Shape) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	method := "runReport"
	body := runReportRequest{Metrics: names(shape.Metrics), Dimensions: names(shape.Dimensions)}
	if shape.Realtime {
		method = "runRealtimeReport"
	} else {
		body.DateRanges = []apiDateRange{{StartDate: q.Range.StartDate, EndDate: q.Range.EndDate}}
		if shape.Limit > 0 {
			body.Limit = int64(shape.Limit)
		}
		if shape.OrderBy != "" {
			body.OrderBys = []apiOrderBy{{Metric: &apiMetricOrderBy{MetricName: shape.OrderBy}, Desc: true}}
		}
	}

	var resp runReportResponse
	property := strings.TrimPrefix(q.PropertyID, "properties/")
	if err := l.doJSON(ctx, "properties/"+property+":"+method, body, &resp); err != nil {
		return nil, err
	}
	return resp.normalize()
}

func (l *Live) newReq(ctx context.Context, p string, payload any) (*http.Request, error) {
	tok, err := l.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("ga4 token: %w", err)
	}

	u := *l.baseURL
	u.Path = path.Join(u.Path, "v1beta", p)

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (l *Live) doJSON(ctx context.Context, p string, payload, out any) error {
	req, err := l.newReq(ctx, p, payload)
	if err != nil {
		return err
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("POST %s: %s: %s", p, resp.Status, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}
	return nil
}

type apiName struct {
	Name string `json:"name"`
}

type apiDateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type apiMetricOrderBy struct {
	MetricName string `json:"metricName"`
}

type apiOrderBy struct {
	Metric *apiMetricOrderBy `json:"metric,omitempty"`
	Desc   bool              `json:"desc,omitempty"`
}

type runReportRequest struct {
	DateRanges []apiDateRange `json:"dateRanges,omitempty"`
	Dimensions []apiName      `json:"dimensions,omitempty"`
	Metrics    []apiName      `json:"metrics"`
	OrderBys   []apiOrderBy   `json:"orderBys,omitempty"`
	Limit      int64          `json:"limit,omitempty,string"`
}

type apiValue struct {
	Value string `json:"value"`
}

// Matches the runReport / runRealtimeReport response body
type runReportResponse struct {
	DimensionHeaders []apiName `json:"dimensionHeaders"`
	MetricHeaders    []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"metricHeaders"`
	Rows []struct {
		DimensionValues []apiValue `json:"dimensionValues"`
		MetricValues    []apiValue `json:"metricValues"`
	} `json:"rows"`
}

func (r runReportResponse) normalize() (*Report, error) {
	out := &Report{
		DimensionHeaders: make([]DimensionHeader, 0, len(r.DimensionHeaders)),
		MetricHeaders:    make([]MetricHeader, 0, len(r.MetricHeaders)),
		Rows:             make([]Row, 0, len(r.Rows)),
	}
	for _, h := range r.DimensionHeaders {
		out.DimensionHeaders = append(out.DimensionHeaders, DimensionHeader{Name: h.Name})
	}
	for _, h := range r.MetricHeaders {
		typ := h.Type
		if typ == "" || typ == "METRIC_TYPE_UNSPECIFIED" {
			typ = metricType(h.Name)
		}
		out.MetricHeaders = append(out.MetricHeaders, MetricHeader{Name: h.Name, Type: typ})
	}
	for i, row := range r.Rows {
		nr := Row{MetricValues: make([]float64, 0, len(row.MetricValues))}
		for _, d := range row.DimensionValues {
			nr.DimensionValues = append(nr.DimensionValues, d.Value)
		}
		for j, m := range row.MetricValues {
			v, err := strconv.ParseFloat(m.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d metric %d: %w", i, j, err)
			}
			nr.MetricValues = append(nr.MetricValues, v)
		}
		out.Rows = append(out.Rows, nr)
	}
	return out, nil
}

func names(ss []string) []apiName {
	if len(ss) == 0 {
		return nil
	}
	out := make([]apiName, 0, len(ss))
	for _, s := range ss {
		out = append(out, apiName{Name: s})
	}
	return out
}

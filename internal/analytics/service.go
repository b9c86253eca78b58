// Package analytics decides when GA4 reports are served from the cache and
// when they are fetched again.
package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mysitemetrics/sitemetrics/cache"
	"github.com/mysitemetrics/sitemetrics/internal/ga4"
	"github.com/mysitemetrics/sitemetrics/internal/metrics"
)

// Result is a report plus whether it came from the cache. Cached is nil for
// reports that are never cached.
type Result struct {
	Data   *ga4.Report `json:"data"`
	Cached *bool       `json:"cached,omitempty"`
}

// Request names the website, its GA4 property and the window to report on.
// An empty start or end defaults to the last 30 days.
type Request struct {
	WebsiteID  int64
	PropertyID string
	Range      ga4.DateRange
}

// Service is the cache-aside layer between callers, the cache store and the
// fetcher. Concurrent misses for one key may both fetch; the later put wins.
type Service struct {
	store   cache.Store
	fetcher ga4.Fetcher
	ttl     time.Duration
	metrics *metrics.Collector
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithClock sets the clock used for default date ranges
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store cache.Store, fetcher ga4.Fetcher, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		fetcher: fetcher,
		ttl:     cache.DefaultTTL,
		log:     logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Overview(ctx context.Context, req Request) Result {
	return s.cached(ctx, ga4.KindOverview, req)
}

func (s *Service) TrafficSources(ctx context.Context, req Request) Result {
	return s.cached(ctx, ga4.KindTrafficSources, req)
}

func (s *Service) PagePerformance(ctx context.Context, req Request) Result {
	return s.cached(ctx, ga4.KindPagePerformance, req)
}

// Realtime always fetches. The result is never stored.
func (s *Service) Realtime(ctx context.Context, propertyID string) Result {
	return Result{Data: s.fetch(ctx, ga4.Query{Kind: ga4.KindRealtime, PropertyID: propertyID})}
}

// ClearCache deletes every cached row for the website, live or expired
func (s *Service) ClearCache(ctx context.Context, websiteID int64) (int64, error) {
	n, err := s.store.Clear(ctx, websiteID)
	if err != nil {
		s.metrics.StoreError("clear")
		return 0, err
	}
	s.log.Info().Int64("website_id", websiteID).Int64("rows", n).Msg("analytics cache cleared")
	return n, nil
}

// Refresh fetches every cacheable report for the request and stores it,
// replacing whatever was cached. Unlike the read path it reports store errors.
func (s *Service) Refresh(ctx context.Context, req Request) error {
	req.Range = req.Range.WithDefaults(s.now())
	var errs []error
	for _, kind := range ga4.CacheableKinds() {
		if err := ctx.Err(); err != nil {
			return err
		}
		report := s.fetch(ctx, ga4.Query{Kind: kind, PropertyID: req.PropertyID, Range: req.Range})
		if err := s.put(ctx, kind, req, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dashboard combines the cached reports with a realtime snapshot
type Dashboard struct {
	Overview        Result `json:"overview"`
	TrafficSources  Result `json:"traffic_sources"`
	PagePerformance Result `json:"page_performance"`
	Realtime        Result `json:"realtime"`
}

func (s *Service) Dashboard(ctx context.Context, req Request) Dashboard {
	return Dashboard{
		Overview:        s.Overview(ctx, req),
		TrafficSources:  s.TrafficSources(ctx, req),
		PagePerformance: s.PagePerformance(ctx, req),
		Realtime:        s.Realtime(ctx, req.PropertyID),
	}
}

func (s *Service) cached(ctx context.Context, kind ga4.Kind, req Request) Result {
	req.Range = req.Range.WithDefaults(s.now())
	key := cache.Key{WebsiteID: req.WebsiteID, MetricName: string(kind), Range: req.Range}

	report, ok, err := s.store.Get(ctx, key)
	switch {
	case err != nil:
		// unreadable cache is a miss
		s.metrics.StoreError("get")
		s.logger(kind, req).Warn().Err(err).Msg("cache read failed")
	case ok:
		s.metrics.Hit(string(kind))
		return Result{Data: report, Cached: boolPtr(true)}
	}
	s.metrics.Miss(string(kind))

	report = s.fetch(ctx, ga4.Query{Kind: kind, PropertyID: req.PropertyID, Range: req.Range})
	_ = s.put(ctx, kind, req, report)
	return Result{Data: report, Cached: boolPtr(false)}
}

func (s *Service) fetch(ctx context.Context, q ga4.Query) *ga4.Report {
	s.metrics.Fetch(string(q.Kind))
	return s.fetcher.Fetch(ctx, q)
}

func (s *Service) put(ctx context.Context, kind ga4.Kind, req Request, report *ga4.Report) error {
	key := cache.Key{WebsiteID: req.WebsiteID, MetricName: string(kind), Range: req.Range}
	if err := s.store.Put(ctx, key, report, s.ttl); err != nil {
		s.metrics.StoreError("put")
		s.logger(kind, req).Warn().Err(err).Msg("cache write failed")
		return err
	}
	return nil
}

func (s *Service) logger(kind ga4.Kind, req Request) *zerolog.Logger {
	l := s.log.With().
		Int64("website_id", req.WebsiteID).
		Str("metric", string(kind)).
		Str("property_id", req.PropertyID).
		Logger()
	return &l
}

func boolPtr(b bool) *bool { return &b }

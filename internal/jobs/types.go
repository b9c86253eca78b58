// Package jobs defines background tasks that keep the analytics cache warm
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/mysitemetrics/sitemetrics/internal/analytics"
	"github.com/mysitemetrics/sitemetrics/internal/db"
	"github.com/mysitemetrics/sitemetrics/internal/ga4"
)

const (
	TaskWarmCache = "analytics:warm_cache"
	TaskWarmAll   = "analytics:warm_all"

	QueueWarm = "warm"
)

type WarmCachePayload struct {
	WebsiteID  int64  `json:"website_id"`
	PropertyID string `json:"property_id"`
	StartDate  string `json:"start_date,omitempty"`
	EndDate    string `json:"end_date,omitempty"`
}

func (p WarmCachePayload) request() analytics.Request {
	return analytics.Request{
		WebsiteID:  p.WebsiteID,
		PropertyID: p.PropertyID,
		Range:      ga4.DateRange{StartDate: p.StartDate, EndDate: p.EndDate},
	}
}

// NewWarmCacheTask builds a task that refreshes every cached report for one website
func NewWarmCacheTask(p WarmCachePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWarmCache, payload,
		asynq.Queue(QueueWarm),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
	), nil
}

// Enqueuer is satisfied by *asynq.Client
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Refresher re-fetches and stores a website's reports
type Refresher interface {
	Refresh(ctx context.Context, req analytics.Request) error
}

// WarmCacheHandler handles TaskWarmCache. Payloads that can never succeed are
// dropped without retry.
func WarmCacheHandler(r Refresher, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p WarmCachePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			logger.Error().Err(err).Str("task", t.Type()).Msg("bad payload")
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		if p.WebsiteID == 0 || p.PropertyID == "" {
			logger.Error().Int64("website_id", p.WebsiteID).Msg("warm task missing website or property")
			return fmt.Errorf("incomplete payload: %w", asynq.SkipRetry)
		}

		log := logger.With().Int64("website_id", p.WebsiteID).Str("property_id", p.PropertyID).Logger()
		log.Info().Msg("warming analytics cache")
		start := time.Now()
		if err := r.Refresh(ctx, p.request()); err != nil {
			log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("warm failed")
			return err
		}
		log.Info().Dur("duration", time.Since(start)).Msg("warm done")
		return nil
	}
}

// WebsiteLister lists the sites to warm
type WebsiteLister interface {
	ListWebsitesWithProperty(ctx context.Context) ([]db.Website, error)
}

// WarmAllHandler handles TaskWarmAll by enqueueing one warm task per website
// with a GA4 property, using the default date range
func WarmAllHandler(l WebsiteLister, e Enqueuer, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		sites, err := l.ListWebsitesWithProperty(ctx)
		if err != nil {
			return fmt.Errorf("list websites: %w", err)
		}
		enqueued := 0
		for _, w := range sites {
			task, err := NewWarmCacheTask(WarmCachePayload{WebsiteID: w.ID, PropertyID: w.GA4PropertyID})
			if err != nil {
				return err
			}
			if _, err := e.EnqueueContext(ctx, task); err != nil {
				logger.Warn().Err(err).Int64("website_id", w.ID).Msg("enqueue warm task failed")
				continue
			}
			enqueued++
		}
		logger.Info().Int("websites", len(sites)).Int("enqueued", enqueued).Msg("scheduled cache warm")
		return nil
	}
}

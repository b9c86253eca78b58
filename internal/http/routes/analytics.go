package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"

	"github.com/mysitemetrics/sitemetrics/internal/analytics"
	"github.com/mysitemetrics/sitemetrics/internal/ga4"
	"github.com/mysitemetrics/sitemetrics/internal/jobs"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("query"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

type rangeQuery struct {
	StartDate string `query:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `query:"end_date" validate:"omitempty,datetime=2006-01-02"`
}

// parseRange reads start_date / end_date and fills missing bounds with the
// last 30 days
func (s *Server) parseRange(r *http.Request) (ga4.DateRange, error) {
	q := rangeQuery{
		StartDate: strings.TrimSpace(r.URL.Query().Get("start_date")),
		EndDate:   strings.TrimSpace(r.URL.Query().Get("end_date")),
	}
	if err := validate.Struct(q); err != nil {
		return ga4.DateRange{}, formatValidationError(err)
	}
	dr := ga4.DateRange{StartDate: q.StartDate, EndDate: q.EndDate}.WithDefaults(s.now())
	if dr.StartDate > dr.EndDate {
		return ga4.DateRange{}, errors.New("start_date must not be after end_date")
	}
	return dr, nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "datetime":
			msgs = append(msgs, fmt.Sprintf("%s must be a date in YYYY-MM-DD format", e.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", e.Field()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

type reportResponse struct {
	WebsiteID int64         `json:"website_id"`
	Domain    string        `json:"domain"`
	DateRange ga4.DateRange `json:"date_range"`
	Data      any           `json:"data"`
	Cached    *bool         `json:"cached,omitempty"`
}

type realtimeResponse struct {
	WebsiteID int64       `json:"website_id"`
	Domain    string      `json:"domain"`
	Data      *ga4.Report `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type reportFunc func(ctx context.Context, req analytics.Request) analytics.Result

func (s *Server) handleReport(get reportFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site, ok := s.website(w, r, true)
		if !ok {
			return
		}
		dr, err := s.parseRange(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		res := get(r.Context(), analytics.Request{WebsiteID: site.ID, PropertyID: site.GA4PropertyID, Range: dr})
		writeJSON(w, r, http.StatusOK, reportResponse{
			WebsiteID: site.ID,
			Domain:    site.Domain,
			DateRange: dr,
			Data:      res.Data,
			Cached:    res.Cached,
		})
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	site, ok := s.website(w, r, true)
	if !ok {
		return
	}
	dr, err := s.parseRange(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	d := s.Analytics.Dashboard(r.Context(), analytics.Request{WebsiteID: site.ID, PropertyID: site.GA4PropertyID, Range: dr})
	writeJSON(w, r, http.StatusOK, reportResponse{
		WebsiteID: site.ID,
		Domain:    site.Domain,
		DateRange: dr,
		Data:      d,
	})
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	site, ok := s.website(w, r, true)
	if !ok {
		return
	}
	res := s.Analytics.Realtime(r.Context(), site.GA4PropertyID)
	writeJSON(w, r, http.StatusOK, realtimeResponse{
		WebsiteID: site.ID,
		Domain:    site.Domain,
		Data:      res.Data,
		Timestamp: s.now().UTC(),
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	site, ok := s.website(w, r, false)
	if !ok {
		return
	}
	n, err := s.Analytics.ClearCache(r.Context(), site.ID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("website_id", site.ID).Msg("clear cache failed")
		writeError(w, r, http.StatusInternalServerError, "could not clear cache")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"message": "Cache cleared successfully",
		"deleted": n,
	})
}

// handleRefresh queues a cache warm for the site, or runs it inline when no
// queue is configured
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	site, ok := s.website(w, r, true)
	if !ok {
		return
	}
	dr, err := s.parseRange(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if s.Queue == nil {
		err := s.Analytics.Refresh(r.Context(), analytics.Request{WebsiteID: site.ID, PropertyID: site.GA4PropertyID, Range: dr})
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Int64("website_id", site.ID).Msg("refresh failed")
			writeError(w, r, http.StatusInternalServerError, "could not refresh cache")
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{"message": "Cache refreshed", "date_range": dr})
		return
	}

	task, err := jobs.NewWarmCacheTask(jobs.WarmCachePayload{
		WebsiteID:  site.ID,
		PropertyID: site.GA4PropertyID,
		StartDate:  dr.StartDate,
		EndDate:    dr.EndDate,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not build refresh task")
		return
	}
	info, err := s.Queue.EnqueueContext(r.Context(), task)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("website_id", site.ID).Msg("[asynq] enqueue failed")
		writeError(w, r, http.StatusServiceUnavailable, "could not queue refresh")
		return
	}
	hlog.FromRequest(r).Info().Str("task_id", info.ID).Str("queue", info.Queue).Msg("[asynq] enqueued warm task")
	writeJSON(w, r, http.StatusAccepted, map[string]any{"message": "Refresh queued", "task_id": info.ID})
}

package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/mysitemetrics/sitemetrics/internal/analytics"
	"github.com/mysitemetrics/sitemetrics/internal/db"
	appmw "github.com/mysitemetrics/sitemetrics/internal/http/middleware"
	"github.com/mysitemetrics/sitemetrics/internal/jobs"
	"github.com/mysitemetrics/sitemetrics/internal/metrics"
)

// WebsiteGetter looks up the site a request is about
type WebsiteGetter interface {
	GetWebsite(ctx context.Context, id int64) (db.Website, error)
}

type Server struct {
	Router    *chi.Mux
	Analytics *analytics.Service
	Sites     WebsiteGetter
	Queue     jobs.Enqueuer // nil runs refreshes inline
	Metrics   *metrics.Collector
	now       func() time.Time
}

type ServerOptions struct {
	Logger    zerolog.Logger
	Analytics *analytics.Service
	Sites     WebsiteGetter
	Tokens    appmw.Verifier
	Queue     jobs.Enqueuer
	Metrics   *metrics.Collector
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)
	if opts.Metrics != nil {
		r.Use(appmw.Instrument(opts.Metrics))
	}

	s := &Server{
		Router:    r,
		Analytics: opts.Analytics,
		Sites:     opts.Sites,
		Queue:     opts.Queue,
		Metrics:   opts.Metrics,
		now:       time.Now,
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/analytics/{websiteID}", func(pr chi.Router) {
		pr.Use(appmw.RequireAuth(opts.Tokens))
		pr.Get("/overview", s.handleReport(s.Analytics.Overview))
		pr.Get("/traffic", s.handleReport(s.Analytics.TrafficSources))
		pr.Get("/pages", s.handleReport(s.Analytics.PagePerformance))
		pr.Get("/dashboard", s.handleDashboard)
		pr.Get("/realtime", s.handleRealtime)
		pr.Post("/clear-cache", s.handleClearCache)
		pr.Post("/refresh", s.handleRefresh)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"message": msg})
}

// website loads the site named in the URL and checks the caller may see it.
// It writes the error response itself and returns false on failure.
func (s *Server) website(w http.ResponseWriter, r *http.Request, needProperty bool) (db.Website, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "websiteID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid website id")
		return db.Website{}, false
	}

	site, err := s.Sites.GetWebsite(r.Context(), id)
	if errors.Is(err, db.ErrWebsiteNotFound) {
		writeError(w, r, http.StatusNotFound, "website not found")
		return db.Website{}, false
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("website_id", id).Msg("load website failed")
		writeError(w, r, http.StatusInternalServerError, "could not load website")
		return db.Website{}, false
	}

	claims, ok := appmw.ClaimsFrom(r.Context())
	if !ok || (claims.Subject != site.UserID && !claims.IsAdmin()) {
		writeError(w, r, http.StatusForbidden, "access denied")
		return db.Website{}, false
	}

	if needProperty && !site.HasProperty() {
		writeError(w, r, http.StatusBadRequest, "Google Analytics property ID not configured for this website")
		return db.Website{}, false
	}
	return site, true
}

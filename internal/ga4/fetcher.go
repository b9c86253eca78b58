// Package ga4 fetches Google Analytics 4 reports and normalises them into a
// single Report shape. A Live fetcher talks to the Data API; a Mock fetcher
// generates data with the same headers when credentials are missing or the
// upstream call fails.
package ga4

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// ErrNoCredentials is returned when no upstream credentials are configured
var ErrNoCredentials = errors.New("ga4: no credentials configured")

// Fetcher returns a report for a query. Implementations never fail: errors
// are absorbed and answered with synthetic data.
type Fetcher interface {
	Fetch(ctx context.Context, q Query) *Report
}

// Endpoint is Google's OAuth 2.0 endpoint
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// ReadOnlyScope is the scope required to run reports
const ReadOnlyScope = "https://www.googleapis.com/auth/analytics.readonly"

// Credentials are the upstream API secrets. A refresh-token grant takes
// precedence over a static access token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
}

func (c Credentials) hasRefreshGrant() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// Present reports whether enough is configured to call the live API
func (c Credentials) Present() bool {
	return c.hasRefreshGrant() || c.AccessToken != ""
}

// NewTokenSource builds a token source for the upstream API
func NewTokenSource(ctx context.Context, c Credentials) (oauth2.TokenSource, error) {
	switch {
	case c.hasRefreshGrant():
		conf := &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     Endpoint,
			Scopes:       []string{ReadOnlyScope},
		}
		return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}), nil
	case c.AccessToken != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.AccessToken, TokenType: "Bearer"}), nil
	default:
		return nil, ErrNoCredentials
	}
}

// Select picks the fetcher variant once at startup: Live (falling back to a
// Mock per call) when credentials are present, otherwise a Mock.
func Select(ctx context.Context, creds Credentials, logger zerolog.Logger, opts ...Option) Fetcher {
	mock := NewMock()
	ts, err := NewTokenSource(ctx, creds)
	if err != nil {
		logger.Info().Msg("GA4 credentials not found, using mock data")
		return mock
	}
	base := []Option{WithFallback(mock), WithLogger(logger)}
	live, err := NewLive(ts, append(base, opts...)...)
	if err != nil {
		logger.Warn().Err(err).Msg("GA4 client init failed, using mock data")
		return mock
	}
	logger.Info().Msg("GA4 client initialized")
	return live
}

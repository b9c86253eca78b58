// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/mysitemetrics/sitemetrics/internal/ga4"
	"github.com/mysitemetrics/sitemetrics/internal/metrics"
)

// Config holds all application configuration
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://sitemetrics.db"`
	RedisAddr   string `env:"REDIS_ADDR"`
	JWTSecret   string `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer   string `env:"JWT_ISSUER" envDefault:"sitemetrics"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	Cache  CacheConfig
	GA4    GA4Config
	Worker WorkerConfig
}

// CacheConfig controls the GA4 data cache
type CacheConfig struct {
	TTL          time.Duration `env:"CACHE_TTL" envDefault:"4h"`
	QueryTimeout time.Duration `env:"DB_QUERY_TIMEOUT" envDefault:"5s"`
}

// GA4Config holds Google Analytics Data API credentials and client settings
type GA4Config struct {
	ClientID     string        `env:"GA4_CLIENT_ID"`
	ClientSecret string        `env:"GA4_CLIENT_SECRET"`
	RefreshToken string        `env:"GA4_REFRESH_TOKEN"`
	AccessToken  string        `env:"GA4_ACCESS_TOKEN"`
	BaseURL      string        `env:"GA4_API_BASE_URL" envDefault:"https://analyticsdata.googleapis.com"`
	Timeout      time.Duration `env:"GA4_TIMEOUT" envDefault:"15s"`

	BreakerTimeout     time.Duration `env:"GA4_BREAKER_TIMEOUT" envDefault:"60s"`
	BreakerMinRequests uint32        `env:"GA4_BREAKER_MIN_REQUESTS" envDefault:"5"`
}

// WorkerConfig holds background worker settings
type WorkerConfig struct {
	Concurrency  int    `env:"WORKER_CONCURRENCY" envDefault:"4"`
	WarmSchedule string `env:"WARM_SCHEDULE" envDefault:"@every 3h"` // empty disables
	MetricsAddr  string `env:"WORKER_METRICS_ADDR" envDefault:":9091"` // empty disables
}

// Load reads configuration from environment variables
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HasCredentials returns true if either a refresh-token grant or a static
// access token is configured
func (g GA4Config) HasCredentials() bool {
	return g.Credentials().Present()
}

// HasQueue returns true if a Redis address is configured for background jobs
func (c Config) HasQueue() bool {
	return c.RedisAddr != ""
}

// Validate checks value ranges that struct tags cannot express
func (c Config) Validate() error {
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.Cache.TTL)
	}
	if c.GA4.Timeout <= 0 {
		return fmt.Errorf("GA4_TIMEOUT must be positive, got %s", c.GA4.Timeout)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	return nil
}

// Credentials returns the upstream credentials for fetcher selection
func (g GA4Config) Credentials() ga4.Credentials {
	return ga4.Credentials{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		RefreshToken: g.RefreshToken,
		AccessToken:  g.AccessToken,
	}
}

// FetcherOptions returns the live fetcher settings. Fallbacks to mock data
// are counted on c when it is non-nil.
func (g GA4Config) FetcherOptions(c *metrics.Collector) []ga4.Option {
	breaker := ga4.DefaultBreakerConfig()
	if g.BreakerTimeout > 0 {
		breaker.Timeout = g.BreakerTimeout
	}
	if g.BreakerMinRequests > 0 {
		breaker.MinRequests = g.BreakerMinRequests
	}
	return []ga4.Option{
		ga4.WithBaseURL(g.BaseURL),
		ga4.WithTimeout(g.Timeout),
		ga4.WithBreaker(breaker),
		ga4.WithFallbackHook(func(q ga4.Query, _ error) {
			c.Fallback(string(q.Kind))
		}),
	}
}

// Logger builds the root logger at LOG_LEVEL, falling back to info
func (c Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

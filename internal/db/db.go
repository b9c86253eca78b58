// Package db opens the relational database and holds the queries this
// service runs against it.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/mysitemetrics/sitemetrics/cache"
)

// DBTX is satisfied by *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// driverFor maps a database URL onto a registered driver name and its DSN
func driverFor(rawURL string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return "pgx", rawURL, nil
	case strings.HasPrefix(rawURL, "sqlite://"):
		dsn = strings.TrimPrefix(rawURL, "sqlite://")
		if dsn == "" {
			return "", "", fmt.Errorf("sqlite url has no path: %q", rawURL)
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return "sqlite", dsn + sep + "_pragma=busy_timeout(5000)", nil
	default:
		return "", "", fmt.Errorf("unsupported database url %q", rawURL)
	}
}

// Open connects to a postgres:// or sqlite:// URL and pings it
func Open(ctx context.Context, rawURL string) (*sql.DB, error) {
	driver, dsn, err := driverFor(rawURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

const websitesSchema = `CREATE TABLE IF NOT EXISTS websites (
	id              BIGINT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	domain          TEXT NOT NULL,
	ga4_property_id TEXT,
	created_at      BIGINT NOT NULL
)`

// Migrate creates every table this service reads or writes
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, websitesSchema); err != nil {
		return fmt.Errorf("websites schema: %w", err)
	}
	return cache.Migrate(ctx, db)
}

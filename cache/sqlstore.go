package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mysitemetrics/sitemetrics/internal/ga4"
)

// DefaultQueryTimeout bounds every statement the store issues
const DefaultQueryTimeout = 5 * time.Second

// Schema creates the cache table. Times are unix nanoseconds so the same
// statements run on Postgres and SQLite.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ga4_data_cache (
		id               TEXT PRIMARY KEY,
		batch_id         TEXT NOT NULL,
		website_id       BIGINT NOT NULL,
		metric_name      TEXT NOT NULL,
		dimension_name   TEXT,
		dimension_value  TEXT,
		metric_key       TEXT NOT NULL DEFAULT '',
		metric_type      TEXT NOT NULL DEFAULT '',
		metric_value     DOUBLE PRECISION NOT NULL,
		row_index        INTEGER NOT NULL DEFAULT -1,
		metric_index     INTEGER NOT NULL DEFAULT -1,
		date_range_start TEXT NOT NULL,
		date_range_end   TEXT NOT NULL,
		cached_at        BIGINT NOT NULL,
		expires_at       BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ga4_data_cache_key
		ON ga4_data_cache (website_id, metric_name, date_range_start, date_range_end)`,
	`CREATE INDEX IF NOT EXISTS idx_ga4_data_cache_expires_at ON ga4_data_cache (expires_at)`,
}

// SQLStore keeps flattened reports in a relational table
type SQLStore struct {
	db           *sql.DB
	now          func() time.Time
	queryTimeout time.Duration
	defaultTTL   time.Duration
}

var _ Store = (*SQLStore)(nil)

type Option func(*SQLStore)

// WithClock overrides the time source used for cached_at and expiry checks
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

func WithQueryTimeout(d time.Duration) Option {
	return func(s *SQLStore) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

func WithDefaultTTL(d time.Duration) Option {
	return func(s *SQLStore) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

// NewSQLStore wraps db. The schema must already exist; see Schema.
func NewSQLStore(db *sql.DB, opts ...Option) *SQLStore {
	s := &SQLStore{
		db:           db,
		now:          time.Now,
		queryTimeout: DefaultQueryTimeout,
		defaultTTL:   DefaultTTL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the cache table and indexes if missing
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("cache schema: %w", err)
		}
	}
	return nil
}

// Put implements Writer. The delete and inserts share one transaction so
// readers see either the old or the new row set.
func (s *SQLStore) Put(ctx context.Context, key Key, report *ga4.Report, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	now := s.now()
	expires := now.Add(ttl).UnixNano()
	batch := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ga4_data_cache
		 WHERE website_id = $1 AND metric_name = $2 AND date_range_start = $3 AND date_range_end = $4`,
		key.WebsiteID, key.MetricName, key.Range.StartDate, key.Range.EndDate,
	); err != nil {
		return fmt.Errorf("delete %s: %w", key.MetricName, err)
	}

	for _, e := range Flatten(report) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ga4_data_cache (id, batch_id, website_id, metric_name, dimension_name, dimension_value,
				metric_key, metric_type, metric_value, row_index, metric_index,
				date_range_start, date_range_end, cached_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			uuid.NewString(), batch, key.WebsiteID, key.MetricName,
			nullString(e.DimensionName), nullString(e.DimensionValue),
			e.MetricKey, e.MetricType, e.MetricValue, e.RowIndex, e.MetricIndex,
			key.Range.StartDate, key.Range.EndDate, now.UnixNano(), expires,
		); err != nil {
			return fmt.Errorf("insert %s: %w", key.MetricName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get implements Reader. When overlapping puts leave more than one live
// batch for a key, only the newest batch is read.
func (s *SQLStore) Get(ctx context.Context, key Key) (*ga4.Report, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, cached_at, dimension_name, dimension_value, metric_key, metric_type, metric_value,
			row_index, metric_index
		 FROM ga4_data_cache
		 WHERE website_id = $1 AND metric_name = $2 AND date_range_start = $3 AND date_range_end = $4
		   AND expires_at > $5
		 ORDER BY row_index, metric_index, id`,
		key.WebsiteID, key.MetricName, key.Range.StartDate, key.Range.EndDate, s.now().UnixNano(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("query %s: %w", key.MetricName, err)
	}
	defer rows.Close()

	var (
		batches  = map[string][]Entry{}
		newest   string
		newestAt int64
		seen     bool
	)
	for rows.Next() {
		var (
			e        Entry
			batch    string
			cachedAt int64
			dim, val sql.NullString
		)
		if err := rows.Scan(&batch, &cachedAt, &dim, &val, &e.MetricKey, &e.MetricType, &e.MetricValue,
			&e.RowIndex, &e.MetricIndex); err != nil {
			return nil, false, fmt.Errorf("scan %s: %w", key.MetricName, err)
		}
		e.DimensionName, e.DimensionValue = dim.String, val.String
		batches[batch] = append(batches[batch], e)
		if !seen || cachedAt > newestAt || (cachedAt == newestAt && batch > newest) {
			newest, newestAt, seen = batch, cachedAt, true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("rows %s: %w", key.MetricName, err)
	}
	entries := batches[newest]
	if len(entries) == 0 {
		return nil, false, nil
	}
	return Reconstruct(entries), true, nil
}

// Clear implements Clearer. Expired rows are removed too.
func (s *SQLStore) Clear(ctx context.Context, websiteID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM ga4_data_cache WHERE website_id = $1`, websiteID)
	if err != nil {
		return 0, fmt.Errorf("clear website %d: %w", websiteID, err)
	}
	return res.RowsAffected()
}

// Purge deletes every expired row and returns how many were removed
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM ga4_data_cache WHERE expires_at <= $1`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

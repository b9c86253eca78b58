package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrWebsiteNotFound = errors.New("website not found")

type Website struct {
	ID            int64  `json:"id"`
	UserID        string `json:"user_id"`
	Domain        string `json:"domain"`
	GA4PropertyID string `json:"ga4_property_id,omitempty"`
}

// HasProperty reports whether analytics can be fetched for the site
func (w Website) HasProperty() bool {
	return w.GA4PropertyID != ""
}

const getWebsite = `SELECT id, user_id, domain, ga4_property_id FROM websites WHERE id = $1`

func (q *Queries) GetWebsite(ctx context.Context, id int64) (Website, error) {
	var (
		w    Website
		prop sql.NullString
	)
	err := q.db.QueryRowContext(ctx, getWebsite, id).Scan(&w.ID, &w.UserID, &w.Domain, &prop)
	if errors.Is(err, sql.ErrNoRows) {
		return Website{}, ErrWebsiteNotFound
	}
	if err != nil {
		return Website{}, fmt.Errorf("get website %d: %w", id, err)
	}
	w.GA4PropertyID = prop.String
	return w, nil
}

const listWebsitesWithProperty = `SELECT id, user_id, domain, ga4_property_id FROM websites
WHERE ga4_property_id IS NOT NULL AND ga4_property_id <> ''
ORDER BY id`

// ListWebsitesWithProperty returns every site that has a GA4 property attached
func (q *Queries) ListWebsitesWithProperty(ctx context.Context) ([]Website, error) {
	rows, err := q.db.QueryContext(ctx, listWebsitesWithProperty)
	if err != nil {
		return nil, fmt.Errorf("list websites: %w", err)
	}
	defer rows.Close()

	var out []Website
	for rows.Next() {
		var (
			w    Website
			prop sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.UserID, &w.Domain, &prop); err != nil {
			return nil, fmt.Errorf("scan website: %w", err)
		}
		w.GA4PropertyID = prop.String
		out = append(out, w)
	}
	return out, rows.Err()
}

type CreateWebsiteParams struct {
	ID            int64
	UserID        string
	Domain        string
	GA4PropertyID string
}

const createWebsite = `INSERT INTO websites (id, user_id, domain, ga4_property_id, created_at)
VALUES ($1, $2, $3, $4, $5)`

// CreateWebsite inserts a site row. Sites are normally managed elsewhere; this
// is used to seed local databases.
func (q *Queries) CreateWebsite(ctx context.Context, arg CreateWebsiteParams) (Website, error) {
	prop := sql.NullString{String: arg.GA4PropertyID, Valid: arg.GA4PropertyID != ""}
	if _, err := q.db.ExecContext(ctx, createWebsite, arg.ID, arg.UserID, arg.Domain, prop, time.Now().UnixNano()); err != nil {
		return Website{}, fmt.Errorf("create website: %w", err)
	}
	return Website{ID: arg.ID, UserID: arg.UserID, Domain: arg.Domain, GA4PropertyID: arg.GA4PropertyID}, nil
}

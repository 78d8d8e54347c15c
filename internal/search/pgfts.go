package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks published poems against plainto_tsquery with a ts_headline
// snippet of the body.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "p.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.StreamID != "" {
		where += " AND s.stream_id = $2"
		args = append(args, q.StreamID)
	}

	ctx := context.Background()

	var total int
	countSQL := fmt.Sprintf(`SELECT count(*) FROM published_poems p JOIN sessions s ON s.id = p.session_id WHERE %s`, where)
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT p.id, p.session_id, p.title,
			ts_headline('english', p.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			coalesce(s.stream_id, ''), p.published_at
		FROM published_poems p
		JOIN sessions s ON s.id = p.session_id
		WHERE %s
		ORDER BY ts_rank(p.fts, plainto_tsquery('english', $1)) DESC, p.published_at DESC
		LIMIT %d OFFSET %d`, where, clampLimit(q.Limit), offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Title, &r.Snippet, &r.StreamID, &r.PublishedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every published poem for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PoemRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT p.id, p.session_id, p.title, p.body, coalesce(s.stream_id, ''), p.published_at
		FROM published_poems p
		JOIN sessions s ON s.id = p.session_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load poems: %w", err)
	}
	defer rows.Close()

	poems := make([]PoemRecord, 0)
	for rows.Next() {
		var r PoemRecord
		var publishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Title, &r.Body, &r.StreamID, &publishedAt); err != nil {
			return nil, fmt.Errorf("scan poem: %w", err)
		}
		if publishedAt.Valid {
			r.PublishedAt = publishedAt.Time.Unix()
		}
		poems = append(poems, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate poems: %w", err)
	}
	return poems, nil
}

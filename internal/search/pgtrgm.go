package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgTrgm implements Searcher using pg_trgm similarity as the fallback
// when Meilisearch is down or unconfigured.
type PgTrgm struct {
	db *sql.DB
}

func NewPgTrgm(db *sql.DB) *PgTrgm {
	return &PgTrgm{db: db}
}

// Healthy always returns true; if Postgres is down the whole engine is.
func (p *PgTrgm) Healthy() bool {
	return true
}

// Suggest ranks names by trigram similarity of text_name to the query.
func (p *PgTrgm) Suggest(q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	const query = `
		SELECT id, text_name, author, search_name, display_name, rank,
			deprecated, similarity(text_name, $1) AS score
		FROM names
		WHERE text_name % $1
		ORDER BY score DESC, sort_name
		LIMIT $2
	`
	ctx := context.Background()
	rows, err := p.db.QueryContext(ctx, query, q.Text, limit)
	if err != nil {
		return nil, fmt.Errorf("trigram suggest: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.TextName, &r.Author, &r.SearchName,
			&r.DisplayName, &r.Rank, &r.Deprecated, &r.Score); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadAllRecords reads every name for a full reindex into Meilisearch.
func (p *PgTrgm) LoadAllRecords(ctx context.Context) ([]NameRecord, error) {
	const query = `
		SELECT id, text_name, author, search_name, display_name, rank, deprecated
		FROM names ORDER BY id
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load names for reindex: %w", err)
	}
	defer rows.Close()

	var out []NameRecord
	for rows.Next() {
		var rec NameRecord
		var id int64
		if err := rows.Scan(&id, &rec.TextName, &rec.Author, &rec.SearchName,
			&rec.DisplayName, &rec.Rank, &rec.Deprecated); err != nil {
			return nil, fmt.Errorf("scan name record: %w", err)
		}
		rec.ID = fmt.Sprintf("%d", id)
		out = append(out, rec)
	}
	return out, rows.Err()
}

package search

import (
	"database/sql"
	"encoding/json"
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

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the caller's messages, ranked by
// ts_rank with ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	member, err := json.Marshal([]string{q.UserID})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal member filter: %w", err)
	}

	query := `
		SELECT m.id, m.thread_id, m.sender_uid,
			ts_headline('english', m.text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			EXTRACT(EPOCH FROM m.created_at)::bigint,
			COUNT(*) OVER() AS total
		FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE t.members @> $2::jsonb
			AND m.fts @@ plainto_tsquery('english', $1)
	`
	args := []any{q.Text, member}
	if q.ThreadID != "" {
		query += " AND m.thread_id = $3"
		args = append(args, q.ThreadID)
	}
	query += fmt.Sprintf(`
		ORDER BY ts_rank(m.fts, plainto_tsquery('english', $1)) DESC, m.created_at DESC
		LIMIT %d OFFSET %d
	`, limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.SenderUID, &r.Snippet, &r.CreatedAt, &total); err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

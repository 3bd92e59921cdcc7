package store

import (
	"context"
	"fmt"
	"strings"
)

// RunFilter narrows ListRuns. Zero values mean "no constraint".
type RunFilter struct {
	Scenario   string
	Replayable *bool
	Limit      int
}

// RunSummary is the listing row for one stored run.
type RunSummary struct {
	ID                 string
	Scenario           string
	Fingerprint        string
	Passes             int
	Replayable         bool
	NonreplayableCount int
	Seq                int64
}

// compileFilter turns a RunFilter into a WHERE clause and its
// parameters. Deterministic ordering (seq DESC, id ASC) keeps listings
// stable across identical databases.
func compileFilter(f RunFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.Scenario != "" {
		clauses = append(clauses, "scenario = ?")
		args = append(args, f.Scenario)
	}
	if f.Replayable != nil {
		clauses = append(clauses, "replayable = ?")
		if *f.Replayable {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	query := `SELECT id, scenario, fingerprint, passes, replayable, nonreplayable_count, seq FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq DESC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

// ListRuns returns stored runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]RunSummary, error) {
	query, args := compileFilter(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var replayable int
		if err := rows.Scan(&r.ID, &r.Scenario, &r.Fingerprint, &r.Passes, &replayable, &r.NonreplayableCount, &r.Seq); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		r.Replayable = replayable != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

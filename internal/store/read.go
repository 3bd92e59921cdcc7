package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("store: run not found")

// ReadRun loads a run with its passes, instructions, and dependences.
func (s *Store) ReadRun(ctx context.Context, id string) (RunRecord, error) {
	var run RunRecord
	var replayable int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scenario, fingerprint, replayable, nonreplayable_count, seq
		FROM runs WHERE id = ?
	`, id).Scan(&run.ID, &run.Scenario, &run.Fingerprint, &replayable, &run.NonreplayableCount, &run.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return run, fmt.Errorf("read run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return run, fmt.Errorf("read run %s: %w", id, err)
	}
	run.Replayable = replayable != 0

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, state, operations FROM passes WHERE run_id = ? ORDER BY idx ASC
	`, id)
	if err != nil {
		return run, fmt.Errorf("read run %s passes: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p PassRecord
		if err := rows.Scan(&p.Index, &p.State, &p.Operations); err != nil {
			return run, fmt.Errorf("read run %s passes: %w", id, err)
		}
		run.Passes = append(run.Passes, p)
	}
	if err := rows.Err(); err != nil {
		return run, fmt.Errorf("read run %s passes: %w", id, err)
	}

	run.Instructions, err = s.readInstructions(ctx, id)
	if err != nil {
		return run, err
	}
	run.Dependences, err = s.readDependences(ctx, id)
	return run, err
}

func (s *Store) readInstructions(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT text FROM instructions WHERE run_id = ? ORDER BY idx ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("read run %s instructions: %w", id, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("read run %s instructions: %w", id, err)
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

func (s *Store) readDependences(ctx context.Context, id string) ([]DependenceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_idx, ord, record FROM dependences WHERE run_id = ? ORDER BY op_idx ASC, ord ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("read run %s dependences: %w", id, err)
	}
	defer rows.Close()
	var out []DependenceRow
	for rows.Next() {
		var d DependenceRow
		if err := rows.Scan(&d.OpIndex, &d.Ord, &d.Record); err != nil {
			return nil, fmt.Errorf("read run %s dependences: %w", id, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

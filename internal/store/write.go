package store

import (
	"context"
	"fmt"
)

// RunRecord is one engine run of a scenario.
type RunRecord struct {
	ID                 string
	Scenario           string
	Fingerprint        string
	Passes             []PassRecord
	Replayable         bool
	NonreplayableCount int
	Instructions       []string
	Dependences        []DependenceRow
	Seq                int64
}

// PassRecord is the outcome of one trace pass.
type PassRecord struct {
	Index      int
	State      string
	Operations int
}

// DependenceRow is one rendered dependence record of a captured trace.
type DependenceRow struct {
	OpIndex int
	Ord     int
	Record  string
}

// WriteRun inserts a complete run with its passes, instruction listing,
// and dependence records in a single transaction. Duplicate run IDs are
// silently ignored (idempotent via ON CONFLICT DO NOTHING), keeping
// re-imports safe.
func (s *Store) WriteRun(ctx context.Context, run RunRecord) error {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run: begin: %w", err)
	}
	defer tx.Rollback()

	replayable := 0
	if run.Replayable {
		replayable = 1
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, scenario, fingerprint, passes, replayable, nonreplayable_count, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.Scenario, run.Fingerprint, len(run.Passes), replayable, run.NonreplayableCount, seq)
	if err != nil {
		return fmt.Errorf("write run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Run already recorded; nothing else to do.
		return tx.Commit()
	}

	for _, pass := range run.Passes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO passes (run_id, idx, state, operations)
			VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, run.ID, pass.Index, pass.State, pass.Operations); err != nil {
			return fmt.Errorf("write run %s pass %d: %w", run.ID, pass.Index, err)
		}
	}

	for i, text := range run.Instructions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO instructions (run_id, idx, text)
			VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, run.ID, i, text); err != nil {
			return fmt.Errorf("write run %s instruction %d: %w", run.ID, i, err)
		}
	}

	for _, dep := range run.Dependences {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dependences (run_id, op_idx, ord, record)
			VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, run.ID, dep.OpIndex, dep.Ord, dep.Record); err != nil {
			return fmt.Errorf("write run %s dependence: %w", run.ID, err)
		}
	}

	return tx.Commit()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/osce/internal/model"
)

const runColumns = `id, assignment_id, student_id, case_id, phase, end_reason, started_at, deadline, ended_at, scored_at, score`

// CreateRun inserts a new run together with its initial transcript. It
// returns ErrDuplicate when the (assignment, student) pair already has a run.
func (s *Store) CreateRun(ctx context.Context, run model.Run) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, assignment_id, student_id, case_id, phase, end_reason, started_at, deadline)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.AssignmentID, run.StudentID, run.CaseID, run.Phase, run.EndReason, run.StartedAt, run.Deadline,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("run for assignment %s and student %s: %w", run.AssignmentID, run.StudentID, ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return appendRecords(ctx, tx, run.ID, run.Transcript, run.Actions)
	})
}

// Commit applies one run mutation atomically: turns and actions are appended
// and the phase is updated in a single transaction.
func (s *Store) Commit(ctx context.Context, c model.RunCommit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, c.RunID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", c.RunID, model.ErrRunNotFound)
		}
		if err != nil {
			return err
		}
		if c.Phase != "" {
			_, err = tx.ExecContext(ctx,
				`UPDATE runs SET phase = ?, end_reason = ?, ended_at = COALESCE(?, ended_at) WHERE id = ?`,
				c.Phase, c.EndReason, nullTime(c.EndedAt), c.RunID,
			)
			if err != nil {
				return fmt.Errorf("update run: %w", err)
			}
		}
		return appendRecords(ctx, tx, c.RunID, c.Turns, c.Actions)
	})
}

func appendRecords(ctx context.Context, tx *sql.Tx, runID string, turns []model.Turn, actions []model.ActionRecord) error {
	for _, t := range turns {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO turns (run_id, seq, role, text, at) VALUES (?, ?, ?, ?, ?)`,
			runID, t.Seq, t.Role, t.Text, t.At,
		)
		if err != nil {
			return fmt.Errorf("insert turn %d: %w", t.Seq, err)
		}
	}
	for _, a := range actions {
		payload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode action %d: %w", a.Seq, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO actions (run_id, seq, type, item_id, payload, at) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, a.Seq, a.Type, a.ItemID, string(payload), a.At,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("action %s %s: %w", a.Type, a.ItemID, ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("insert action %d: %w", a.Seq, err)
		}
	}
	return nil
}

// SaveScore stores a score, replacing any previous one, and marks the run
// scored. Only submitted or scored runs accept a score.
func (s *Store) SaveScore(ctx context.Context, runID string, score model.ScoreResult, scoredAt time.Time) error {
	data, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET score = ?, scored_at = ?, phase = ?
		 WHERE id = ? AND phase IN (?, ?)`,
		string(data), scoredAt, model.PhaseScored, runID, model.PhaseSubmitted, model.PhaseScored,
	)
	if err != nil {
		return fmt.Errorf("save score: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", runID, model.ErrNotSubmitted)
	}
	return nil
}

// GetRun returns a run with its transcript, actions and score.
func (s *Store) GetRun(ctx context.Context, id string) (model.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return run, fmt.Errorf("run %s: %w", id, model.ErrRunNotFound)
	}
	if err != nil {
		return run, err
	}
	return s.loadRecords(ctx, run)
}

// FindRun returns the run of a student for an assignment, if any.
func (s *Store) FindRun(ctx context.Context, assignmentID, studentID string) (model.Run, bool, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE assignment_id = ? AND student_id = ?`, assignmentID, studentID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return run, false, nil
	}
	if err != nil {
		return run, false, err
	}
	run, err = s.loadRecords(ctx, run)
	return run, err == nil, err
}

// ListRuns returns run headers (no transcript or actions) in start order.
// With phases given, only runs in those phases are returned.
func (s *Store) ListRuns(ctx context.Context, phases ...model.Phase) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if len(phases) > 0 {
		query += ` WHERE phase IN (?` + strings.Repeat(",?", len(phases)-1) + `)`
		for _, p := range phases {
			args = append(args, p)
		}
	}
	query += ` ORDER BY started_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.Run, error) {
	var (
		run   model.Run
		score sql.NullString
	)
	err := row.Scan(&run.ID, &run.AssignmentID, &run.StudentID, &run.CaseID, &run.Phase, &run.EndReason,
		&run.StartedAt, &run.Deadline, &run.EndedAt, &run.ScoredAt, &score)
	if err != nil {
		return run, err
	}
	if score.Valid && score.String != "" {
		var sr model.ScoreResult
		if err := json.Unmarshal([]byte(score.String), &sr); err != nil {
			return run, fmt.Errorf("decode score of run %s: %w", run.ID, err)
		}
		run.Score = &sr
	}
	return run, nil
}

func (s *Store) loadRecords(ctx context.Context, run model.Run) (model.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, role, text, at FROM turns WHERE run_id = ? ORDER BY seq`, run.ID)
	if err != nil {
		return run, err
	}
	defer rows.Close()
	run.Transcript = []model.Turn{}
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.Seq, &t.Role, &t.Text, &t.At); err != nil {
			return run, err
		}
		run.Transcript = append(run.Transcript, t)
	}
	if err := rows.Err(); err != nil {
		return run, err
	}

	arows, err := s.db.QueryContext(ctx, `SELECT payload FROM actions WHERE run_id = ? ORDER BY seq`, run.ID)
	if err != nil {
		return run, err
	}
	defer arows.Close()
	run.Actions = []model.ActionRecord{}
	for arows.Next() {
		var payload string
		if err := arows.Scan(&payload); err != nil {
			return run, err
		}
		var a model.ActionRecord
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return run, fmt.Errorf("decode action of run %s: %w", run.ID, err)
		}
		run.Actions = append(run.Actions, a)
	}
	return run, arows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

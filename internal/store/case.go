package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/osce/internal/model"
)

// UpsertCase stores a case document, replacing any previous version.
func (s *Store) UpsertCase(ctx context.Context, c model.CaseDocument) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode case %s: %w", c.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cases (id, title, document, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, document = excluded.document, updated_at = excluded.updated_at`,
		c.ID, c.Title, string(doc), time.Now().UTC(),
	)
	return err
}

// GetCase returns a case by ID.
func (s *Store) GetCase(ctx context.Context, id string) (model.CaseDocument, error) {
	var c model.CaseDocument
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM cases WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("case %s: %w", id, model.ErrCaseNotFound)
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return c, fmt.Errorf("decode case %s: %w", id, err)
	}
	return c, nil
}

// CaseCount returns the number of stored cases.
func (s *Store) CaseCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases`).Scan(&count)
	return count, err
}

// UpsertAssignment stores an assignment, replacing any previous version.
func (s *Store) UpsertAssignment(ctx context.Context, a model.Assignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (id, case_id, time_limit_minutes, active) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET case_id = excluded.case_id,
		   time_limit_minutes = excluded.time_limit_minutes, active = excluded.active`,
		a.ID, a.CaseID, a.TimeLimitMinutes, a.Active,
	)
	return err
}

// GetAssignment returns an assignment by ID.
func (s *Store) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	var a model.Assignment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, case_id, time_limit_minutes, active FROM assignments WHERE id = ?`, id,
	).Scan(&a.ID, &a.CaseID, &a.TimeLimitMinutes, &a.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("assignment %s: %w", id, model.ErrAssignmentNotFound)
	}
	return a, err
}

// ListAssignments returns all assignments ordered by ID.
func (s *Store) ListAssignments(ctx context.Context) ([]model.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, case_id, time_limit_minutes, active FROM assignments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.ID, &a.CaseID, &a.TimeLimitMinutes, &a.Active); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

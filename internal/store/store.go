package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned when an insert hits a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate record")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		document TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		time_limit_minutes INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (case_id) REFERENCES cases(id)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		assignment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		end_reason TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		deadline DATETIME NOT NULL,
		ended_at DATETIME,
		scored_at DATETIME,
		score TEXT,
		UNIQUE (assignment_id, student_id),
		FOREIGN KEY (assignment_id) REFERENCES assignments(id),
		FOREIGN KEY (case_id) REFERENCES cases(id)
	);

	CREATE INDEX IF NOT EXISTS runs_phase ON runs(phase);

	CREATE TABLE IF NOT EXISTS turns (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		at DATETIME NOT NULL,
		PRIMARY KEY (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS actions (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		item_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		at DATETIME NOT NULL,
		PRIMARY KEY (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS actions_disclosure
		ON actions(run_id, type, item_id) WHERE type IN ('exam_reveal', 'lab_order');

	CREATE UNIQUE INDEX IF NOT EXISTS actions_decision
		ON actions(run_id, type) WHERE type IN ('diagnosis_submitted', 'management_submitted');

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn in a transaction and commits when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// State is the export state of one output artifact
type State string

const (
	// StateWaiting marks an artifact scheduled for the next export
	StateWaiting State = "waiting"
	// StateGenerating marks an artifact being written
	StateGenerating State = "generating"
	// StateGenerated marks an artifact installed successfully
	StateGenerated State = "generated"
	// StateFailed marks an artifact whose export failed
	StateFailed State = "failed"
)

// SourceType tells what an artifact was generated from
type SourceType string

const (
	// SourceNone is used for artifacts combining several sources, such as the workbook
	SourceNone SourceType = ""
	// SourceTable is a dataset table
	SourceTable SourceType = "table"
	// SourceGrid is a free-form HTML grid
	SourceGrid SourceType = "grid"
)

// ErrStateNotFound is returned for an artifact without recorded state
var ErrStateNotFound = errors.New("gridexport: no state recorded")

// StateRecord is one row of _state_files
type StateRecord struct {
	Filename   string
	State      State
	SourceType SourceType
	SourceID   string
	// Created is set when the artifact was generated.
	Created time.Time
}

var stateSchema = []string{
	`CREATE TABLE IF NOT EXISTS _state_files (
	filename TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	created TEXT,
	source_type TEXT,
	source_id TEXT
)`,
	`CREATE TABLE IF NOT EXISTS _error (message TEXT NOT NULL)`,
}

// StateStore persists artifact states in the dataset database
type StateStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewStateStore creates the state tables if needed
func NewStateStore(ctx context.Context, db *sql.DB) (*StateStore, error) {
	for _, stmt := range stateSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create state tables: %w", err)
		}
	}
	return &StateStore{db: db, now: time.Now}, nil
}

// SaveState records the state of an artifact. The creation time is set only
// when the artifact becomes generated and is kept otherwise.
func (s *StateStore) SaveState(ctx context.Context, filename string, sourceType SourceType, sourceID string, state State) error {
	var created sql.NullString
	if state == StateGenerated {
		created = sql.NullString{String: s.now().UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO _state_files (filename, state, created, source_type, source_id)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(filename) DO UPDATE SET
	state = excluded.state,
	created = COALESCE(excluded.created, _state_files.created),
	source_type = excluded.source_type,
	source_id = excluded.source_id`,
		filename, string(state), created, nullable(string(sourceType)), nullable(sourceID))
	if err != nil {
		return fmt.Errorf("failed to save state of %s: %w", filename, err)
	}
	return nil
}

// State returns the recorded state of an artifact
func (s *StateStore) State(ctx context.Context, filename string) (StateRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT filename, state, created, source_type, source_id FROM _state_files WHERE filename = ?", filename)
	rec, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRecord{}, fmt.Errorf("%w: %s", ErrStateNotFound, filename)
	}
	return rec, err
}

// States returns every recorded state ordered by file name
func (s *StateStore) States(ctx context.Context) ([]StateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT filename, state, created, source_type, source_id FROM _state_files ORDER BY filename")
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	defer rows.Close()

	var records []StateRecord
	for rows.Next() {
		rec, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Reset marks every given artifact as waiting in one transaction
func (s *StateStore) Reset(ctx context.Context, artifacts []StateRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, a := range artifacts {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO _state_files (filename, state, source_type, source_id) VALUES (?, ?, ?, ?)
ON CONFLICT(filename) DO UPDATE SET state = excluded.state`,
			a.Filename, string(StateWaiting), nullable(string(a.SourceType)), nullable(a.SourceID)); err != nil {
			return errors.Join(fmt.Errorf("failed to reset %s: %w", a.Filename, err), tx.Rollback())
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

// RecordError stores an export failure message in _error
func (s *StateStore) RecordError(ctx context.Context, message string) error {
	if _, err := s.db.ExecContext(ctx, "INSERT INTO _error (message) VALUES (?)", message); err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// Errors returns the recorded error messages, oldest first
func (s *StateStore) Errors(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT message FROM _error ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (StateRecord, error) {
	var (
		rec                           StateRecord
		state                         string
		created, sourceType, sourceID sql.NullString
	)
	if err := row.Scan(&rec.Filename, &state, &created, &sourceType, &sourceID); err != nil {
		return StateRecord{}, err
	}
	rec.State = State(state)
	rec.SourceType = SourceType(sourceType.String)
	rec.SourceID = sourceID.String
	if created.Valid {
		t, err := time.Parse(time.RFC3339, created.String)
		if err != nil {
			return StateRecord{}, fmt.Errorf("invalid created time of %s: %w", rec.Filename, err)
		}
		rec.Created = t
	}
	return rec, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

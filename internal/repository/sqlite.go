// Package repository persists the local run log and the local span store.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/rollout/internal/domain"
)

// SQLiteStore stores runs, run events and historical spans in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS spans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			input TEXT,
			output TEXT,
			attributes TEXT,
			start_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id, path, start_time)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			function TEXT,
			trace_id TEXT,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Span operations

// InsertSpans stores historical spans in one transaction.
func (s *SQLiteStore) InsertSpans(ctx context.Context, spans []domain.Span) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO spans (trace_id, path, name, input, output, attributes, start_time) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, span := range spans {
		if span.TraceID == "" || span.Path == "" {
			return fmt.Errorf("span %d: trace id and path are required", i)
		}
		if _, err := stmt.ExecContext(ctx, span.TraceID, span.Path, span.Name,
			nullStringBytes(span.Input), nullStringBytes(span.Output), nullStringBytes(span.Attributes),
			span.StartTime.UnixNano()); err != nil {
			return fmt.Errorf("span %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// QuerySpans returns the spans of traceID recorded at any of paths, ordered by
// start time ascending.
func (s *SQLiteStore) QuerySpans(ctx context.Context, traceID string, paths []string) ([]domain.Span, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(paths))
	args := []interface{}{traceID}
	for i, p := range paths {
		placeholders[i] = "?"
		args = append(args, p)
	}
	query := fmt.Sprintf(`SELECT trace_id, path, name, input, output, attributes, start_time FROM spans
		WHERE trace_id = ? AND path IN (%s) ORDER BY start_time ASC, id ASC`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []domain.Span
	for rows.Next() {
		var span domain.Span
		var input, output, attributes sql.NullString
		var startTime int64
		if err := rows.Scan(&span.TraceID, &span.Path, &span.Name, &input, &output, &attributes, &startTime); err != nil {
			return nil, err
		}
		span.Input = rawOrNil(input)
		span.Output = rawOrNil(output)
		span.Attributes = rawOrNil(attributes)
		span.StartTime = time.Unix(0, startTime).UTC()
		spans = append(spans, span)
	}
	return spans, rows.Err()
}

// Run operations

// CreateRun records a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run, function string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, session_id, trace_id, status, started_at, function) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SessionID, nullString(run.TraceID), run.Status, run.StartedAt, nullString(function))
	return err
}

const runColumns = `run_id, session_id, function, trace_id, status, started_at, ended_at, error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var function, traceID, errData sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&run.RunID, &run.SessionID, &function, &traceID, &run.Status, &run.StartedAt, &endedAt, &errData); err != nil {
		return nil, err
	}
	run.Function = function.String
	run.TraceID = traceID.String
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if errData.Valid {
		run.Error = json.RawMessage(errData.String)
	}
	return &run, nil
}

// GetRun returns a run, or nil when it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns the runs of a session, oldest first. An empty sessionID
// lists every recorded run.
func (s *SQLiteStore) ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY started_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateRunCompleted marks a run as ended.
func (s *SQLiteStore) UpdateRunCompleted(ctx context.Context, runID string, status domain.SessionStatus, errData []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?, error = ? WHERE run_id = ?`,
		status, time.Now(), nullStringBytes(errData), runID)
	return err
}

// Event operations

// CreateEvent appends an event to a run's log.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Ts, event.Type, nullStringBytes(event.Payload))
	return err
}

// GetEvents returns a run's events in time order, optionally filtered by type.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, run_id, ts, type, payload FROM events WHERE run_id = ?`
	args := []interface{}{runID}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		event.Payload = rawOrNil(payload)
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/validator/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id                TEXT PRIMARY KEY,
    validator_type    TEXT NOT NULL,
    validator_version TEXT NOT NULL,
    status            TEXT NOT NULL,
    stage             TEXT NOT NULL,
    input_uri         TEXT NOT NULL,
    output_uri        TEXT NOT NULL,
    exit_code         INTEGER,
    error             TEXT NOT NULL,
    callback_status   TEXT NOT NULL,
    duration_ms       INTEGER,
    created_at        DATETIME NOT NULL,
    started_at        DATETIME,
    finished_at       DATETIME
)`

const createRunLogsTable = `
CREATE TABLE IF NOT EXISTS run_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createRunLogsIndex = `CREATE INDEX IF NOT EXISTS idx_run_logs_run_seq ON run_logs (run_id, seq)`

const runColumns = `id, validator_type, validator_version, status, stage,
	input_uri, output_uri, exit_code, error, callback_status,
	duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createRunLogsTable, createRunLogsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordRun inserts or replaces the record for r.ID. The original created_at
// is kept. Recording a RUNNING status starts a rerun and discards the log
// lines of any previous attempt.
func (s *SQLiteStore) RecordRun(ctx context.Context, r *model.Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			validator_type = excluded.validator_type,
			validator_version = excluded.validator_version,
			status = excluded.status,
			stage = excluded.stage,
			input_uri = excluded.input_uri,
			output_uri = excluded.output_uri,
			exit_code = excluded.exit_code,
			error = excluded.error,
			callback_status = excluded.callback_status,
			duration_ms = excluded.duration_ms,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		r.ID, r.ValidatorType, r.ValidatorVersion, r.Status, r.Stage,
		r.InputURI, r.OutputURI, r.ExitCode, r.Error, r.CallbackStatus,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if r.Status == model.StatusRunning {
		if _, err := tx.ExecContext(ctx, "DELETE FROM run_logs WHERE run_id = ?", r.ID); err != nil {
			return fmt.Errorf("clear previous logs: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	r := &model.Run{}
	err := row.Scan(
		&r.ID, &r.ValidatorType, &r.ValidatorVersion, &r.Status, &r.Stage,
		&r.InputURI, &r.OutputURI, &r.ExitCode, &r.Error, &r.CallbackStatus,
		&r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*model.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// GetRunStats aggregates run counts by status, validator type and callback
// state, and the mean duration of runs that recorded one.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus:     make(map[string]int),
		CountByValidator:  make(map[string]int),
		CountByCallback:   make(map[string]int),
		StatusByValidator: make(map[string]map[string]int),
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "validator_type", stats.CountByValidator); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "callback_status", stats.CountByCallback); err != nil {
		return nil, err
	}
	delete(stats.CountByCallback, "")
	if err := s.statusByValidator(ctx, stats.StatusByValidator); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM runs WHERE duration_ms IS NOT NULL").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}
	return stats, nil
}

// countBy fills counts with the number of runs per distinct value of column.
// column must be a trusted identifier.
func (s *SQLiteStore) countBy(ctx context.Context, column string, counts map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM runs GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return nil
}

// statusByValidator fills matrix with run counts per validator type and
// status.
func (s *SQLiteStore) statusByValidator(ctx context.Context, matrix map[string]map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT validator_type, status, COUNT(*) FROM runs GROUP BY validator_type, status")
	if err != nil {
		return fmt.Errorf("count by validator and status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var vt, status string
		var n int
		if err := rows.Scan(&vt, &status, &n); err != nil {
			return fmt.Errorf("scan validator status count: %w", err)
		}
		if matrix[vt] == nil {
			matrix[vt] = make(map[string]int)
		}
		matrix[vt][status] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate validator status counts: %w", err)
	}
	return nil
}

// InsertLogLine persists one line of runner output.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, runID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO run_logs (run_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		runID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns all log lines for a run ordered by seq.
func (s *SQLiteStore) GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, seq, line, created_at FROM run_logs WHERE run_id = ? ORDER BY seq ASC",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

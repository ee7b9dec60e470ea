package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/npurt/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    runner_id    TEXT NOT NULL,
    job_id       INTEGER NOT NULL,
    backend      TEXT NOT NULL,
    model        TEXT NOT NULL,
    mode         TEXT NOT NULL,
    status       TEXT NOT NULL,
    result       TEXT NOT NULL,
    batch        INTEGER NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    timeout_ms   INTEGER,
    duration_ms  INTEGER,
    submitted_at DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME,
    PRIMARY KEY (runner_id, job_id)
)`

const createJobsIndex = `CREATE INDEX IF NOT EXISTS jobs_submitted_at ON jobs (submitted_at DESC)`

const jobColumns = `runner_id, job_id, backend, model, mode, status, result, batch,
	error, timeout_ms, duration_ms, submitted_at, started_at, finished_at`

// ErrNotFound is returned when a job record is not found.
var ErrNotFound = errors.New("job not found")

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
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createJobsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create jobs table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, r *model.JobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunnerID, r.JobID, r.Backend, r.Model, r.Mode, string(r.Status), r.Result.String(), r.Batch,
		r.Error, r.TimeoutMS, r.DurationMS, r.SubmittedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob updates the mutable fields of a job record.
func (s *SQLiteStore) UpdateJob(ctx context.Context, r *model.JobRecord) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, error = ?, duration_ms = ?,
			started_at = ?, finished_at = ?
		WHERE runner_id = ? AND job_id = ?`,
		string(r.Status), r.Result.String(), r.Error, r.DurationMS,
		r.StartedAt, r.FinishedAt,
		r.RunnerID, r.JobID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob retrieves one job record.
func (s *SQLiteStore) GetJob(ctx context.Context, runnerID string, jobID uint32) (*model.JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE runner_id = ? AND job_id = ?`, runnerID, jobID)
	r, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return r, nil
}

// ListJobs returns a page of job records, newest first, along with the
// total number of records matching the filter.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter ListFilter, limit, offset int) ([]*model.JobRecord, int, error) {
	where, args := filter.clause()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+`
		ORDER BY submitted_at DESC, job_id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.JobRecord
	for rows.Next() {
		r, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// GetJobStats aggregates the journal.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*model.JobStats, error) {
	stats := &model.JobStats{
		ByStatus: make(map[model.JobStatus]int),
		ByResult: make(map[model.StatusCode]int),
		ByMode:   make(map[string]int),
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(duration_ms), COUNT(DISTINCT runner_id) FROM jobs`,
	).Scan(&stats.Total, &avg, &stats.Runners)
	if err != nil {
		return nil, fmt.Errorf("aggregate jobs: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	for _, col := range []string{"status", "result", "mode"} {
		if err := s.countBy(ctx, col, stats); err != nil {
			return nil, err
		}
	}

	if stats.Total > 0 {
		var last model.JobRecord
		err := s.db.QueryRowContext(ctx,
			`SELECT submitted_at FROM jobs ORDER BY submitted_at DESC LIMIT 1`,
		).Scan(&last.SubmittedAt)
		if err != nil {
			return nil, fmt.Errorf("last submission: %w", err)
		}
		stats.LastSubmitted = &last.SubmittedAt
	}

	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, col string, stats *model.JobStats) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+col+", COUNT(*) FROM jobs GROUP BY "+col)
	if err != nil {
		return fmt.Errorf("count jobs by %s: %w", col, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", col, err)
		}
		switch col {
		case "status":
			stats.ByStatus[model.JobStatus(key)] = n
		case "result":
			var code model.StatusCode
			if err := code.UnmarshalText([]byte(key)); err != nil {
				return fmt.Errorf("scan %s count: %w", col, err)
			}
			stats.ByResult[code] = n
		case "mode":
			stats.ByMode[key] = n
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*model.JobRecord, error) {
	r := &model.JobRecord{}
	var status, result string
	if err := sc.Scan(
		&r.RunnerID, &r.JobID, &r.Backend, &r.Model, &r.Mode, &status, &result, &r.Batch,
		&r.Error, &r.TimeoutMS, &r.DurationMS, &r.SubmittedAt, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	r.Status = model.JobStatus(status)
	if err := r.Result.UnmarshalText([]byte(result)); err != nil {
		return nil, err
	}
	return r, nil
}

func (f ListFilter) clause() (string, []any) {
	var conds []string
	var args []any
	if f.RunnerID != "" {
		conds = append(conds, "runner_id = ?")
		args = append(args, f.RunnerID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Mode != "" {
		conds = append(conds, "mode = ?")
		args = append(args, f.Mode)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

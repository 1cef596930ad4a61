// Package history persists finished supervised runs in the runs table.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

// timeLayout has a fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Paging limits for List.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// DefaultTailLines is how many output lines a stored run keeps.
const DefaultTailLines = 50

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Run is one stored supervised run.
type Run struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	ExitCode      int       `json:"exit_code"`
	PID           int       `json:"pid,omitempty"`
	Error         string    `json:"error,omitempty"`
	Args          []string  `json:"args"`
	StopRequested bool      `json:"stop_requested"`
	LogTail       []string  `json:"log_tail"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Duration returns how long the daemon was up.
func (r Run) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FromRecord converts a supervisor run record, keeping the last tail output
// lines.
func FromRecord(rec supervisor.RunRecord, tail int) Run {
	lines := rec.Result.Lines
	if tail >= 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	run := Run{
		ID:            rec.ID,
		State:         string(rec.State),
		ExitCode:      rec.Result.ExitCode,
		PID:           rec.Result.PID,
		Args:          rec.Args,
		StopRequested: rec.StopRequested,
		LogTail:       append([]string(nil), lines...),
		StartedAt:     rec.Result.StartedAt,
		FinishedAt:    rec.Result.FinishedAt,
	}
	if rec.Err != nil {
		run.Error = rec.Err.Error()
	}
	return run
}

// Filter controls which runs List returns.
type Filter struct {
	State  string // optional: stopped or failed
	Limit  int    // default 50, max 500
	Offset int
}

// ListResult contains a page of runs.
type ListResult struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// Repository defines run history operations.
type Repository interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, keep int) (int64, error)
}

// SQLiteRepository stores runs in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a run history repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts run. The ID and FinishedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	args, err := json.Marshal(nonNil(run.Args))
	if err != nil {
		return fmt.Errorf("marshalling run args: %w", err)
	}
	tail, err := json.Marshal(nonNil(run.LogTail))
	if err != nil {
		return fmt.Errorf("marshalling run output: %w", err)
	}

	var pid any
	if run.PID > 0 {
		pid = run.PID
	}
	var startedAt any
	if !run.StartedAt.IsZero() {
		startedAt = formatTime(run.StartedAt)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO runs (id, state, exit_code, pid, error, args, stop_requested, log_tail, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.State, run.ExitCode, pid, nullableString(run.Error),
		string(args), boolToInt(run.StopRequested), string(tail),
		startedAt, formatTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, state, exit_code, pid, error, args, stop_requested, log_tail, started_at, finished_at FROM runs`

// Get returns the run with the given ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// List returns runs matching filter, most recently finished first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	where := ""
	var args []any
	if filter.State != "" {
		where = " WHERE state = ?"
		args = append(args, filter.State)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		selectColumns+where+" ORDER BY finished_at DESC LIMIT ? OFFSET ?",
		append(args, filter.Limit, filter.Offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}

	return &ListResult{Runs: runs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Prune deletes all but the keep most recent runs. keep <= 0 deletes nothing.
func (r *SQLiteRepository) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY finished_at DESC LIMIT ?)`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run                Run
		pid                sql.NullInt64
		errText, startedAt sql.NullString
		args, tail         string
		stopped            int
		finishedAt         string
	)
	if err := s.Scan(&run.ID, &run.State, &run.ExitCode, &pid, &errText,
		&args, &stopped, &tail, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}

	run.PID = int(pid.Int64)
	run.Error = errText.String
	run.StopRequested = stopped != 0
	if err := json.Unmarshal([]byte(args), &run.Args); err != nil {
		return nil, fmt.Errorf("decoding args of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(tail), &run.LogTail); err != nil {
		return nil, fmt.Errorf("decoding output of run %s: %w", run.ID, err)
	}

	var err error
	if startedAt.Valid {
		if run.StartedAt, err = time.Parse(timeLayout, startedAt.String); err != nil {
			return nil, fmt.Errorf("parsing run start %q: %w", startedAt.String, err)
		}
	}
	if run.FinishedAt, err = time.Parse(timeLayout, finishedAt); err != nil {
		return nil, fmt.Errorf("parsing run finish %q: %w", finishedAt, err)
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullableString maps "" to NULL for nullable TEXT columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

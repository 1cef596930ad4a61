package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/stsupervisor/internal/infrastructure/database"
	"github.com/nerrad567/stsupervisor/internal/process"
	"github.com/nerrad567/stsupervisor/internal/supervisor"
	"github.com/nerrad567/stsupervisor/migrations"
)

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func record(id string, state supervisor.State, finished time.Time) supervisor.RunRecord {
	return supervisor.RunRecord{
		ID:    id,
		Args:  []string{"--no-browser"},
		State: state,
		Result: process.RunResult{
			ExitCode:   0,
			Lines:      []string{"INFO: starting", "INFO: ready"},
			PID:        4242,
			StartedAt:  finished.Add(-time.Minute),
			FinishedAt: finished,
		},
	}
}

func TestFromRecord(t *testing.T) {
	rec := record("r1", supervisor.StateFailed, time.Now())
	rec.Result.ExitCode = 3
	rec.Err = fmt.Errorf("%w: 3", supervisor.ErrExited)

	run := FromRecord(rec, 1)

	if run.State != "failed" || run.ExitCode != 3 || run.PID != 4242 {
		t.Errorf("run = %+v", run)
	}
	if len(run.LogTail) != 1 || run.LogTail[0] != "INFO: ready" {
		t.Errorf("LogTail = %v, want last line only", run.LogTail)
	}
	if run.Error == "" {
		t.Error("Error is empty for a failed run")
	}
	if run.Duration() != time.Minute {
		t.Errorf("Duration() = %v, want 1m", run.Duration())
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	finished := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	run := FromRecord(record("run-1", supervisor.StateStopped, finished), DefaultTailLines)
	run.StopRequested = true

	if err := repo.Create(ctx, &run); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finished)
	}
	if !got.StartedAt.Equal(finished.Add(-time.Minute)) {
		t.Errorf("StartedAt = %v", got.StartedAt)
	}
	if !got.StopRequested || got.PID != 4242 || got.State != "stopped" {
		t.Errorf("run = %+v", got)
	}
	if len(got.Args) != 1 || got.Args[0] != "--no-browser" {
		t.Errorf("Args = %v", got.Args)
	}
	if len(got.LogTail) != 2 {
		t.Errorf("LogTail = %v", got.LogTail)
	}
}

func TestRepository_CreateSpawnFailure(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	// A run that never spawned has no PID and no start time.
	run := Run{State: "failed", ExitCode: 255, Error: "daemon binary not found"}
	if err := repo.Create(ctx, &run); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if run.ID == "" || run.FinishedAt.IsZero() {
		t.Fatalf("Create() did not fill ID/FinishedAt: %+v", run)
	}

	got, err := repo.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.PID != 0 || !got.StartedAt.IsZero() || got.Args == nil {
		t.Errorf("run = %+v", got)
	}
}

func TestRepository_GetNotFound(t *testing.T) {
	repo := openTestRepo(t)

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRepository_List(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	states := []supervisor.State{supervisor.StateStopped, supervisor.StateFailed, supervisor.StateFailed}
	for i, st := range states {
		run := FromRecord(record(fmt.Sprintf("run-%d", i), st, base.Add(time.Duration(i)*time.Second)), 5)
		if err := repo.Create(ctx, &run); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name    string
		filter  Filter
		wantIDs []string
		total   int
	}{
		{"newest first", Filter{}, []string{"run-2", "run-1", "run-0"}, 3},
		{"by state", Filter{State: "failed"}, []string{"run-2", "run-1"}, 2},
		{"paged", Filter{Limit: 1, Offset: 1}, []string{"run-1"}, 3},
		{"offset past end", Filter{Offset: 10}, nil, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.total {
				t.Errorf("Total = %d, want %d", res.Total, tt.total)
			}
			if len(res.Runs) != len(tt.wantIDs) {
				t.Fatalf("len(Runs) = %d, want %d", len(res.Runs), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if res.Runs[i].ID != id {
					t.Errorf("Runs[%d].ID = %q, want %q", i, res.Runs[i].ID, id)
				}
			}
		})
	}
}

func TestRepository_Prune(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		run := FromRecord(record(fmt.Sprintf("run-%d", i), supervisor.StateStopped, base.Add(time.Duration(i)*time.Minute)), 5)
		if err := repo.Create(ctx, &run); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	n, err := repo.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Prune() deleted %d, want 3", n)
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 2 || res.Runs[0].ID != "run-4" || res.Runs[1].ID != "run-3" {
		t.Errorf("remaining = %+v", res.Runs)
	}

	if n, _ := repo.Prune(ctx, 0); n != 0 {
		t.Errorf("Prune(0) deleted %d, want 0", n)
	}
}

func TestRecorder_OnRunFinished(t *testing.T) {
	repo := openTestRepo(t)
	rec := NewRecorder(repo, 2)

	base := time.Now()
	for i := range 3 {
		rec.OnRunFinished(record(fmt.Sprintf("run-%d", i), supervisor.StateStopped, base.Add(time.Duration(i)*time.Second)))
	}

	res, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 2 || res.Runs[0].ID != "run-2" {
		t.Errorf("history = %+v, want the two newest runs", res.Runs)
	}
}

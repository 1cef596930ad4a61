package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/stsupervisor/internal/infrastructure/database"
	"github.com/nerrad567/stsupervisor/migrations"
)

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
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

func TestCreateAndList(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []*Entry{
		{Action: ActionStart, Source: SourceAPI, Subject: "alice", RequestID: "r1", OK: true, CreatedAt: base},
		{Action: ActionShell, Source: SourceMQTT, OK: false, Message: "exit code 2",
			Details: map[string]any{"command": "ps -A"}, CreatedAt: base.Add(time.Second)},
		{Action: ActionStop, Source: SourceAPI, OK: true, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if e.ID == "" {
			t.Error("Create() left ID empty")
		}
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 3 || len(res.Entries) != 3 || res.Limit != defaultLimit {
		t.Fatalf("List() = total %d, %d entries, limit %d", res.Total, len(res.Entries), res.Limit)
	}
	if res.Entries[0].Action != ActionStop || res.Entries[2].Action != ActionStart {
		t.Errorf("order = %s..%s, want newest first", res.Entries[0].Action, res.Entries[2].Action)
	}

	shell := res.Entries[1]
	if shell.OK || shell.Message != "exit code 2" || shell.Details["command"] != "ps -A" {
		t.Errorf("shell entry = %+v", shell)
	}
	if first := res.Entries[2]; first.Subject != "alice" || first.RequestID != "r1" || !first.CreatedAt.Equal(base) {
		t.Errorf("start entry = %+v", first)
	}
}

func TestList_Filter(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	for _, e := range []*Entry{
		{Action: ActionStart, Source: SourceAPI},
		{Action: ActionStart, Source: SourceMQTT},
		{Action: ActionKill, Source: SourceAPI},
	} {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"action", Filter{Action: ActionStart}, 2},
		{"source", Filter{Source: SourceAPI}, 2},
		{"both", Filter{Action: ActionStart, Source: SourceMQTT}, 1},
		{"no match", Filter{Action: ActionRun}, 0},
		{"limit", Filter{Limit: 1}, 1},
		{"offset", Filter{Offset: 2}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(res.Entries) != tt.want {
				t.Errorf("List() returned %d entries, want %d", len(res.Entries), tt.want)
			}
		})
	}
}

func TestList_ClampsLimit(t *testing.T) {
	res, err := openTestRepo(t).List(context.Background(), Filter{Limit: 1000, Offset: -3})
	if err != nil {
		t.Fatal(err)
	}
	if res.Limit != maxLimit || res.Offset != 0 {
		t.Errorf("limit, offset = %d, %d", res.Limit, res.Offset)
	}
	if res.Entries == nil {
		t.Error("Entries = nil, want empty slice")
	}
}

func TestActorFrom(t *testing.T) {
	if got := ActorFrom(context.Background()); got.Source != SourceInternal {
		t.Errorf("ActorFrom(empty).Source = %q, want %q", got.Source, SourceInternal)
	}
	ctx := WithActor(context.Background(), Actor{Source: SourceAPI, Subject: "bob", RequestID: "x"})
	if got := ActorFrom(ctx); got.Subject != "bob" || got.RequestID != "x" {
		t.Errorf("ActorFrom() = %+v", got)
	}
}

type failingRepo struct{ Repository }

func (failingRepo) Create(context.Context, *Entry) error { return errors.New("disk full") }

type captureLogger struct{ warned []string }

func (c *captureLogger) Warn(msg string, _ ...any) { c.warned = append(c.warned, msg) }

func TestTrail_Record(t *testing.T) {
	repo := openTestRepo(t)
	trail := NewTrail(repo)

	ctx, cancel := context.WithCancel(WithActor(context.Background(), Actor{Source: SourceMQTT, RequestID: "req-9"}))
	cancel()
	trail.Record(ctx, ActionKill, true, "no daemon processes left", nil)

	res, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(res.Entries))
	}
	if e := res.Entries[0]; e.Source != SourceMQTT || e.RequestID != "req-9" || !e.OK || e.Action != ActionKill {
		t.Errorf("entry = %+v", e)
	}
}

func TestTrail_RecordFailureIsLogged(t *testing.T) {
	log := &captureLogger{}
	trail := NewTrail(failingRepo{})
	trail.SetLogger(log)

	trail.Record(context.Background(), ActionStop, false, "", nil)

	if len(log.warned) != 1 {
		t.Errorf("warnings = %v, want one", log.warned)
	}
}

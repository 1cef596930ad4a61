package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/stsupervisor/internal/environment"
	"github.com/nerrad567/stsupervisor/internal/process"
	"github.com/nerrad567/stsupervisor/internal/proctable"
	"github.com/nerrad567/stsupervisor/internal/shell"
	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

func TestReplacePolicy_LeavesOneDaemonProcess(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "libsyncthing.so")
	body := "#!/bin/sh\ntrap 'exit 0' INT\necho ready\nwhile true; do sleep 0.05; done\n"
	if err := os.WriteFile(binary, []byte(body), 0o755); err != nil { //nolint:gosec // Test fixture must be executable
		t.Fatalf("writing daemon: %v", err)
	}

	sh := shell.New(shell.Config{})
	lister := proctable.NewShellLister(sh, "")
	sup := supervisor.New(supervisor.Config{
		Binary:   binary,
		Fragment: binary,
		BaseEnv:  map[string]string{"PATH": "/usr/bin:/bin"},
		Host: environment.Discovery{
			SharedStorageRoot: dir,
			FilesDir:          filepath.Join(dir, "files"),
			PackageName:       "stsupervisor-test",
			CacheDir:          filepath.Join(dir, "cache"),
			PlatformVersion:   30,
		},
		StopGracePeriod: 2 * time.Second,
	}, process.NewLauncher(process.Config{}), proctable.NewTerminator(lister, sh, proctable.TerminatorConfig{}), lister)
	t.Cleanup(sup.Close)

	s := New(fastConfig(), sup)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Cancel(ctx)
	})

	a := s.Enqueue(supervisor.StartRequest{Args: []string{"--a"}}, PolicyReplace)
	b := s.Enqueue(supervisor.StartRequest{Args: []string{"--b"}}, PolicyReplace)

	// Either request may win the race; the other is replaced.
	var replaced, survivor *Ticket
	select {
	case <-a.Done():
		replaced, survivor = a, b
	case <-b.Done():
		replaced, survivor = b, a
	case <-time.After(10 * time.Second):
		t.Fatal("neither request was replaced")
	}
	if res := waitTicket(t, replaced); res.Outcome != OutcomeCancelled {
		t.Errorf("replaced outcome = %q, want cancelled", res.Outcome)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sup.State() != supervisor.StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %q, want %q", sup.State(), supervisor.StateRunning)
		}
		time.Sleep(10 * time.Millisecond)
	}

	pids, err := lister.ListMatchingPIDs(context.Background(), binary)
	if err != nil {
		t.Fatalf("ListMatchingPIDs() error = %v", err)
	}
	if len(pids) != 1 {
		t.Fatalf("daemon processes = %v, want exactly one", pids)
	}
	if want := sup.Status().PID; pids[0] != want {
		t.Errorf("live daemon pid = %d, want supervised pid %d", pids[0], want)
	}

	if err := s.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if res := waitTicket(t, survivor); res.Outcome != OutcomeCancelled {
		t.Errorf("surviving outcome = %q, want cancelled", res.Outcome)
	}
}

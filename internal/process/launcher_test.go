package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-daemon.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil { //nolint:gosec // Test fixture must be executable
		t.Fatalf("writing script: %v", err)
	}
	return path
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Line(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestLaunch_CapturesOutputAndExitCode(t *testing.T) {
	bin := writeScript(t, "echo one\necho two 1>&2\necho three\nexit 7")
	sink := &recordingSink{}
	l := NewLauncher(Config{Sink: sink})

	res := l.Launch(context.Background(), bin, nil, map[string]string{"PATH": "/usr/bin:/bin"})

	if res.Err != nil {
		t.Fatalf("Err = %v, want nil", res.Err)
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
	want := []string{"one", "two", "three"}
	if strings.Join(res.Lines, ",") != strings.Join(want, ",") {
		t.Errorf("Lines = %v, want %v", res.Lines, want)
	}
	if got := sink.snapshot(); len(got) != 3 {
		t.Errorf("sink lines = %v, want 3", got)
	}
	if res.PID == 0 {
		t.Error("PID = 0")
	}
}

func TestLaunch_EnvironmentNotInherited(t *testing.T) {
	t.Setenv("STSUP_LEAK_CHECK", "leaked")
	bin := writeScript(t, `echo "leak=${STSUP_LEAK_CHECK}"; echo "given=${GIVEN}"`)

	res := NewLauncher(Config{}).Launch(context.Background(), bin, nil, map[string]string{"GIVEN": "yes"})

	if len(res.Lines) != 2 {
		t.Fatalf("Lines = %v", res.Lines)
	}
	if res.Lines[0] != "leak=" {
		t.Errorf("inherited variable visible: %q", res.Lines[0])
	}
	if res.Lines[1] != "given=yes" {
		t.Errorf("Lines[1] = %q, want given=yes", res.Lines[1])
	}
}

func TestLaunch_PassesArgs(t *testing.T) {
	bin := writeScript(t, `for a in "$@"; do echo "$a"; done`)

	res := NewLauncher(Config{}).Launch(context.Background(), bin, []string{"--no-browser", "--gui-apikey=k"}, nil)

	if strings.Join(res.Lines, " ") != "--no-browser --gui-apikey=k" {
		t.Errorf("Lines = %v", res.Lines)
	}
}

func TestLaunch_BinaryNotFound(t *testing.T) {
	lock := &RefCountedLock{}
	acquired := 0
	lock.OnFirstAcquire = func() error { acquired++; return nil }
	l := NewLauncher(Config{Multicast: lock})

	res := l.Launch(context.Background(), filepath.Join(t.TempDir(), "missing"), nil, nil)

	if !errors.Is(res.Err, ErrBinaryNotFound) {
		t.Fatalf("Err = %v, want ErrBinaryNotFound", res.Err)
	}
	if res.ExitCode != FailureExitCode {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, FailureExitCode)
	}
	if len(res.Lines) != 1 {
		t.Errorf("Lines = %v, want one diagnostic", res.Lines)
	}
	if acquired != 0 {
		t.Error("multicast acquired for a binary that does not exist")
	}
	if IsRecoverable(res.Err) {
		t.Error("IsRecoverable(ErrBinaryNotFound) = true")
	}
}

func TestSpawn_DirectoryIsNotABinary(t *testing.T) {
	_, err := NewLauncher(Config{}).Spawn(context.Background(), t.TempDir(), nil, nil)
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Errorf("Spawn(dir) error = %v, want ErrBinaryNotFound", err)
	}
}

func TestLaunch_ReleasesMulticast(t *testing.T) {
	lock := &RefCountedLock{}
	released := 0
	lock.OnLastRelease = func() { released++ }
	bin := writeScript(t, "exit 0")

	res := NewLauncher(Config{Multicast: lock}).Launch(context.Background(), bin, nil, nil)

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	if lock.Held() != 0 {
		t.Errorf("Held() = %d after run, want 0", lock.Held())
	}
	if released != 1 {
		t.Errorf("released %d times, want 1", released)
	}
}

func TestLaunch_InterruptedWait(t *testing.T) {
	lock := &RefCountedLock{}
	bin := writeScript(t, "echo ready\nsleep 1")
	l := NewLauncher(Config{Multicast: lock})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := l.Spawn(ctx, bin, nil, map[string]string{"PATH": "/usr/bin:/bin"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	cancel()

	res := h.Wait(ctx)
	if !errors.Is(res.Err, ErrInterruptedWait) {
		t.Fatalf("Err = %v, want ErrInterruptedWait", res.Err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0 when no exit was observed", res.ExitCode)
	}
	if !IsRecoverable(res.Err) {
		t.Error("interrupted wait should be recoverable")
	}
	last := res.Lines[len(res.Lines)-1]
	if !strings.Contains(last, "daemon run failed") {
		t.Errorf("last line = %q, want error entry", last)
	}

	if lock.Held() != 0 {
		t.Errorf("Held() = %d after interrupted wait, want 0", lock.Held())
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped after interrupted wait")
	}
	if lock.Held() != 0 {
		t.Errorf("Held() = %d after child exit, want 0", lock.Held())
	}
}

func TestLaunch_InterruptedStopsDaemon(t *testing.T) {
	lock := &RefCountedLock{}
	bin := writeScript(t, "trap 'exit 0' INT\necho ready\nwhile true; do sleep 0.05; done")
	l := NewLauncher(Config{Multicast: lock})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := l.Launch(ctx, bin, nil, map[string]string{"PATH": "/usr/bin:/bin"})
	if !errors.Is(res.Err, ErrInterruptedWait) {
		t.Fatalf("Err = %v, want ErrInterruptedWait", res.Err)
	}
	if lock.Held() != 0 {
		t.Errorf("Held() = %d after interrupted launch, want 0", lock.Held())
	}

	deadline := time.Now().Add(5 * time.Second)
	for syscall.Kill(res.PID, 0) == nil {
		if time.Now().After(deadline) {
			t.Fatalf("daemon %d still running after interrupted launch", res.PID)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLaunch_MulticastReleasedOnce(t *testing.T) {
	lock := &RefCountedLock{}
	if err := lock.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	bin := writeScript(t, "sleep 0.3")
	l := NewLauncher(Config{Multicast: lock})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := l.Spawn(ctx, bin, nil, map[string]string{"PATH": "/usr/bin:/bin"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	cancel()
	h.Wait(ctx)
	<-h.Done()

	if lock.Held() != 1 {
		t.Errorf("Held() = %d, want 1 for the holder outside the launcher", lock.Held())
	}
}

func TestHandle_Interrupt(t *testing.T) {
	bin := writeScript(t, "trap 'echo bye; exit 0' INT\necho ready\nwhile true; do sleep 0.05; done")
	h, err := NewLauncher(Config{}).Spawn(context.Background(), bin, nil, map[string]string{"PATH": "/usr/bin:/bin"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	waitForLine(t, h, "ready")
	if err := h.Interrupt(); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := h.Wait(ctx)
	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func waitForLine(t *testing.T, h *Handle, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, l := range h.Lines() {
			if l == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("line %q never appeared; got %v", want, h.Lines())
}

func TestRunResult_Duration(t *testing.T) {
	start := time.Now()
	r := RunResult{StartedAt: start, FinishedAt: start.Add(3 * time.Second)}
	if r.Duration() != 3*time.Second {
		t.Errorf("Duration() = %v, want 3s", r.Duration())
	}
	if (RunResult{StartedAt: start}).Duration() != 0 {
		t.Error("Duration() of unfinished run should be 0")
	}
}

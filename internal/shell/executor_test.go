package shell

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantCode  int
		wantLines []string
	}{
		{
			name:      "single line",
			text:      "echo hi",
			wantCode:  0,
			wantLines: []string{"hi"},
		},
		{
			name:      "preserves order",
			text:      "echo one\necho two\necho three",
			wantCode:  0,
			wantLines: []string{"one", "two", "three"},
		},
		{
			name:      "non-zero exit",
			text:      "exit 3",
			wantCode:  3,
			wantLines: nil,
		},
		{
			name:      "stderr not captured",
			text:      "echo out; echo err 1>&2",
			wantCode:  0,
			wantLines: []string{"out"},
		},
		{
			name:      "trailing newline tolerated",
			text:      "echo a\n\n",
			wantCode:  0,
			wantLines: []string{"a"},
		},
	}

	exec := New(Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := exec.Run(context.Background(), tt.text)
			if res.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d (lines %v)", res.ExitCode, tt.wantCode, res.Lines)
			}
			if len(res.Lines) != len(tt.wantLines) {
				t.Fatalf("Lines = %v, want %v", res.Lines, tt.wantLines)
			}
			for i := range tt.wantLines {
				if res.Lines[i] != tt.wantLines[i] {
					t.Errorf("Lines[%d] = %q, want %q", i, res.Lines[i], tt.wantLines[i])
				}
			}
		})
	}
}

func TestRun_MissingShell(t *testing.T) {
	exec := New(Config{Shell: "/nonexistent/stsupervisor-sh"})

	res := exec.Run(context.Background(), "echo hi")

	if res.ExitCode != FailureExitCode {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, FailureExitCode)
	}
	if len(res.Lines) != 1 {
		t.Fatalf("Lines = %v, want one diagnostic line", res.Lines)
	}
	if !strings.Contains(res.Lines[0], "Failed to execute shell command") {
		t.Errorf("Lines[0] = %q, want diagnostic", res.Lines[0])
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := New(Config{}).Run(ctx, "sleep 5")

	if res.ExitCode != FailureExitCode {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, FailureExitCode)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run took %v after cancellation", elapsed)
	}
}

func TestResult_Succeeded(t *testing.T) {
	if !(Result{ExitCode: 0}).Succeeded() {
		t.Error("Succeeded() = false for exit 0")
	}
	if (Result{ExitCode: 1}).Succeeded() {
		t.Error("Succeeded() = true for exit 1")
	}
}

package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/planrun/planrun/pkg/plan"
)

func writeTestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyExitCodes(t *testing.T) {
	g := NewGate(t.TempDir(), 0, nil)

	tests := []struct {
		name     string
		verify   string
		passed   bool
		exitCode int
	}{
		{name: "zero exit passes", verify: "true", passed: true, exitCode: 0},
		{name: "nonzero exit fails", verify: "exit 1", passed: false, exitCode: 1},
		{name: "specific code preserved", verify: "exit 7", passed: false, exitCode: 7},
		{name: "output ignored for pass or fail", verify: "echo FAILED; exit 0", passed: true, exitCode: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &plan.Task{
				ID:          plan.TaskID{Phase: "A", Number: 1},
				Description: "verify",
				Action:      plan.ActionExecute,
				Run:         "true",
				Verify:      tt.verify,
			}
			result := g.Verify(context.Background(), task)
			if result.Passed != tt.passed {
				t.Errorf("Passed = %v, want %v", result.Passed, tt.passed)
			}
			if result.ExitCode != tt.exitCode {
				t.Errorf("ExitCode = %d, want %d", result.ExitCode, tt.exitCode)
			}
		})
	}
}

func TestVerifyCapturesOutput(t *testing.T) {
	g := NewGate(t.TempDir(), 0, nil)

	task := &plan.Task{
		ID:          plan.TaskID{Phase: "A", Number: 1},
		Description: "verify",
		Action:      plan.ActionExecute,
		Run:         "true",
		Verify:      "echo to stdout; echo to stderr >&2; exit 2",
	}
	result := g.Verify(context.Background(), task)
	if !strings.Contains(result.Output, "to stdout") || !strings.Contains(result.Output, "to stderr") {
		t.Errorf("Output = %q, want both streams captured", result.Output)
	}
}

func TestVerifyTimeout(t *testing.T) {
	g := NewGate(t.TempDir(), 100*time.Millisecond, nil)

	task := &plan.Task{
		ID:          plan.TaskID{Phase: "A", Number: 1},
		Description: "verify",
		Action:      plan.ActionExecute,
		Run:         "true",
		Verify:      "sleep 5",
	}

	start := time.Now()
	result := g.Verify(context.Background(), task)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Verify took %v, timeout not enforced", elapsed)
	}
	if result.Passed {
		t.Error("timed-out verification should fail")
	}
	if !result.TimedOut {
		t.Error("TimedOut should be set")
	}
}

func TestVerifyNone(t *testing.T) {
	g := NewGate(t.TempDir(), 0, nil)

	task := &plan.Task{
		ID:          plan.TaskID{Phase: "A", Number: 1},
		Description: "docs",
		Targets:     []string{"notes.md"},
		Action:      plan.ActionCreate,
		NoVerify:    true,
	}
	result := g.Verify(context.Background(), task)
	if !result.Passed || !result.Skipped {
		t.Errorf("Verify: none result = %+v, want passed and skipped", result)
	}
}

// countingFix tracks fix invocations and optionally flips a shared flag the
// verification reads.
type countingFix struct {
	calls  int
	onCall func(attempt int)
}

func (f *countingFix) Fix(ctx context.Context, task *plan.Task, result *VerificationResult) error {
	f.calls++
	if f.onCall != nil {
		f.onCall(f.calls)
	}
	return nil
}

func TestVerifyWithRetryEventuallyPasses(t *testing.T) {
	dir := t.TempDir()
	g := NewGate(dir, 0, nil)

	task := &plan.Task{
		ID:          plan.TaskID{Phase: "A", Number: 1},
		Description: "verify",
		Action:      plan.ActionExecute,
		Run:         "true",
		Verify:      "test -f fixed.marker",
	}

	fix := &countingFix{}
	fix.onCall = func(attempt int) {
		if attempt == 2 {
			writeTestFile(t, dir, "fixed.marker", "ok")
		}
	}

	result, attempts, err := g.VerifyWithRetry(context.Background(), task, fix, 3)
	if err != nil {
		t.Fatalf("VerifyWithRetry() error = %v", err)
	}
	if !result.Passed {
		t.Error("verification should pass after the fix lands")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if fix.calls != 2 {
		t.Errorf("fix calls = %d, want 2", fix.calls)
	}
	if task.Attempts != 3 {
		t.Errorf("task.Attempts = %d, want 3", task.Attempts)
	}
}

func TestVerifyWithRetryExhaustsBudget(t *testing.T) {
	g := NewGate(t.TempDir(), 0, nil)

	task := &plan.Task{
		ID:          plan.TaskID{Phase: "A", Number: 1},
		Description: "verify",
		Action:      plan.ActionExecute,
		Run:         "true",
		Verify:      "false",
	}

	fix := &countingFix{}
	result, attempts, err := g.VerifyWithRetry(context.Background(), task, fix, 2)
	if err != nil {
		t.Fatalf("VerifyWithRetry() error = %v", err)
	}
	if result.Passed {
		t.Error("verification should still fail")
	}
	// max-retries 2 means one initial attempt plus two retries.
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if fix.calls != 2 {
		t.Errorf("fix calls = %d, want 2", fix.calls)
	}
}

func TestVerifyWithRetryZeroBudget(t *testing.T) {
	g := NewGate(t.TempDir(), 0, nil)

	task := &plan.Task{
		ID:          plan.TaskID{Phase: "A", Number: 1},
		Description: "verify",
		Action:      plan.ActionExecute,
		Run:         "true",
		Verify:      "false",
	}

	fix := &countingFix{}
	_, attempts, err := g.VerifyWithRetry(context.Background(), task, fix, 0)
	if err != nil {
		t.Fatalf("VerifyWithRetry() error = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want a single attempt", attempts)
	}
	if fix.calls != 0 {
		t.Errorf("fix calls = %d, want none", fix.calls)
	}
}

func TestCommandFixFailure(t *testing.T) {
	g := NewGate(t.TempDir(), 0, nil)

	task := &plan.Task{
		ID:          plan.TaskID{Phase: "A", Number: 1},
		Description: "verify",
		Action:      plan.ActionExecute,
		Run:         "true",
		Verify:      "false",
	}

	fix := &CommandFix{Command: "exit 1"}
	_, _, err := g.VerifyWithRetry(context.Background(), task, fix, 2)
	if !IsExecution(err) {
		t.Errorf("failing fix command: error = %v, want execution error", err)
	}
}

func TestSummarize(t *testing.T) {
	r := &VerificationResult{TaskID: "B.2", ExitCode: 3, Output: "assertion failed\nmore detail\n"}
	got := r.Summarize()
	if !strings.Contains(got, "B.2") || !strings.Contains(got, "3") || !strings.Contains(got, "assertion failed") {
		t.Errorf("Summarize() = %q", got)
	}
	if strings.Contains(got, "more detail") {
		t.Errorf("Summarize() should keep only the first line, got %q", got)
	}
}

func TestVerifyTimeoutWithBackgroundChild(t *testing.T) {
	g := NewGate(t.TempDir(), 100*time.Millisecond, nil)

	// The background child inherits the output pipe and outlives the shell;
	// Wait must still return promptly after the kill.
	task := &plan.Task{
		ID:          plan.TaskID{Phase: "A", Number: 1},
		Description: "verify",
		Action:      plan.ActionExecute,
		Run:         "true",
		Verify:      "sleep 5 & sleep 5",
	}

	start := time.Now()
	result := g.Verify(context.Background(), task)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Verify took %v, timeout not enforced", elapsed)
	}
	if result.Passed {
		t.Error("timed-out verification should fail")
	}
	if !result.TimedOut {
		t.Error("TimedOut should be set")
	}
}

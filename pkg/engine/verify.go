package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/planrun/planrun/pkg/plan"
	"github.com/planrun/planrun/pkg/telemetry"
)

// defaultVerifyTimeout bounds a single verification command run.
const defaultVerifyTimeout = 5 * time.Minute

// VerificationResult is the outcome of one verification command run.
type VerificationResult struct {
	// TaskID identifies the verified task.
	TaskID string

	// Passed is true when the command exited zero.
	Passed bool

	// ExitCode is the command's exit code. -1 when the command could not run
	// or was killed.
	ExitCode int

	// Output is the command's combined stdout and stderr.
	Output string

	// TimedOut is true when the command exceeded the gate's timeout.
	TimedOut bool

	// Skipped is true when the task declared Verify: none.
	Skipped bool

	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// FixStrategy attempts to remediate a failed verification before a retry.
// Implementations receive the failing task and the failed result; a nil
// error means the fix was attempted and the verification may be re-run.
type FixStrategy interface {
	Fix(ctx context.Context, task *plan.Task, result *VerificationResult) error
}

// NoFix is a FixStrategy that never remediates; retries re-run the
// verification unchanged.
type NoFix struct{}

// Fix does nothing.
func (NoFix) Fix(ctx context.Context, task *plan.Task, result *VerificationResult) error {
	return nil
}

// CommandFix runs an external command on each failed verification, with the
// task id and the failure output exposed in the environment.
type CommandFix struct {
	// Command is the shell command to run.
	Command string

	// Shell is the interpreter. Defaults to /bin/sh.
	Shell string

	// Dir is the working directory for the command.
	Dir string
}

// Fix runs the configured command with the failure context in the
// environment. A non-zero exit fails the fix attempt.
func (f *CommandFix) Fix(ctx context.Context, task *plan.Task, result *VerificationResult) error {
	shell := f.Shell
	if shell == "" {
		shell = defaultShell
	}

	cmd := exec.CommandContext(ctx, shell, "-c", f.Command)
	cmd.WaitDelay = commandWaitDelay
	cmd.Dir = f.Dir
	cmd.Env = append(os.Environ(),
		"PLANRUN_TASK_ID="+task.ID.String(),
		"PLANRUN_VERIFY_EXIT_CODE="+fmt.Sprintf("%d", result.ExitCode),
		"PLANRUN_VERIFY_OUTPUT="+result.Output,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return NewExecutionError(
			fmt.Sprintf("fix command %q failed", f.Command), err).
			WithTask(task.ID.String()).WithOutput(string(out))
	}
	return nil
}

// Gate runs verification commands. Pass or fail is decided by exit code
// alone; output is captured for diagnostics but never interpreted.
type Gate struct {
	// Timeout bounds each verification run. Zero means the default.
	Timeout time.Duration

	// Shell is the interpreter. Defaults to /bin/sh.
	Shell string

	// Dir is the working directory for verification commands.
	Dir string

	log *telemetry.Logger
}

// NewGate creates a verification gate.
func NewGate(dir string, timeout time.Duration, logger *telemetry.Logger) *Gate {
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.DefaultConfig().Logging)
	}
	return &Gate{
		Timeout: timeout,
		Dir:     dir,
		log:     logger.NewComponentLogger("verify"),
	}
}

// Verify runs the task's verification command once. A timeout or a crashed
// command is a failed verification, not an engine error.
func (g *Gate) Verify(ctx context.Context, task *plan.Task) *VerificationResult {
	id := task.ID.String()
	result := &VerificationResult{TaskID: id, ExitCode: -1}

	if task.NoVerify {
		result.Passed = true
		result.Skipped = true
		result.ExitCode = 0
		return result
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := g.Shell
	if shell == "" {
		shell = defaultShell
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, shell, "-c", task.Verify)
	cmd.WaitDelay = commandWaitDelay
	cmd.Dir = g.Dir
	cmd.Env = append(os.Environ(), "PLANRUN_TASK_ID="+id)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Output = buf.String()

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.Passed = false
		g.log.WithTaskID(id).
			WithField("timeout", timeout.String()).
			Warn("verification timed out")
		return result
	}

	if err == nil {
		result.Passed = true
		result.ExitCode = 0
		return result
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	}
	result.Passed = false
	g.log.WithTaskID(id).
		WithField("exit_code", result.ExitCode).
		Debug("verification failed")
	return result
}

// VerifyWithRetry runs the verification up to maxRetries+1 times, invoking
// the fix strategy between attempts. It returns the last result and the
// number of attempts made. The task's Attempts counter is updated as a side
// effect so progress reporting sees it. A cancelled caller context surfaces
// as an error, never as a failed verdict.
func (g *Gate) VerifyWithRetry(ctx context.Context, task *plan.Task, fix FixStrategy, maxRetries int) (*VerificationResult, int, error) {
	if fix == nil {
		fix = NoFix{}
	}

	var result *VerificationResult
	attempts := 0
	for {
		attempts++
		task.Attempts = attempts
		result = g.Verify(ctx, task)
		if result.Passed {
			return result, attempts, nil
		}
		if err := ctx.Err(); err != nil {
			return result, attempts, err
		}
		if attempts > maxRetries {
			return result, attempts, nil
		}
		if err := fix.Fix(ctx, task, result); err != nil {
			return result, attempts, err
		}
		if err := ctx.Err(); err != nil {
			return result, attempts, err
		}
	}
}

// Summarize condenses a verification failure into a single line for halt
// reports.
func (r *VerificationResult) Summarize() string {
	if r.TimedOut {
		return fmt.Sprintf("%s: verification timed out", r.TaskID)
	}
	line := firstLine(r.Output)
	if line == "" {
		return fmt.Sprintf("%s: verification exited %d", r.TaskID, r.ExitCode)
	}
	return fmt.Sprintf("%s: verification exited %d: %s", r.TaskID, r.ExitCode, line)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

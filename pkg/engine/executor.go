package engine

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/planrun/planrun/pkg/plan"
	"github.com/planrun/planrun/pkg/telemetry"
)

// defaultShell is the interpreter used for task and verification commands.
const defaultShell = "/bin/sh"

// commandWaitDelay bounds how long Wait blocks after a killed command when a
// surviving child process still holds the output pipes.
const commandWaitDelay = time.Second

// Applier produces the actual content change for CREATE and MODIFY tasks.
// The engine validates targets, takes snapshots, and verifies the outcome,
// but it never invents file content itself.
type Applier interface {
	// Apply performs the task's effect on its targets. The returned bytes are
	// whatever output the applier produced, kept for diagnostics.
	Apply(ctx context.Context, task *plan.Task) ([]byte, error)
}

// CommandApplier delegates CREATE and MODIFY effects to an external command,
// run once per task with the task's fields exposed in the environment.
type CommandApplier struct {
	// Command is the shell command to run.
	Command string

	// Shell is the interpreter. Defaults to /bin/sh.
	Shell string

	// Dir is the working directory for the command.
	Dir string
}

// Apply runs the configured command with PLANRUN_TASK_* variables set.
func (a *CommandApplier) Apply(ctx context.Context, task *plan.Task) ([]byte, error) {
	shell := a.Shell
	if shell == "" {
		shell = defaultShell
	}

	cmd := exec.CommandContext(ctx, shell, "-c", a.Command)
	cmd.WaitDelay = commandWaitDelay
	cmd.Dir = a.Dir
	cmd.Env = append(os.Environ(),
		"PLANRUN_TASK_ID="+task.ID.String(),
		"PLANRUN_TASK_ACTION="+string(task.Action),
		"PLANRUN_TASK_DESCRIPTION="+task.Description,
		"PLANRUN_TASK_TARGETS="+strings.Join(task.Targets, string(os.PathListSeparator)),
	)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	return buf.Bytes(), err
}

// Snapshot captures one target's state before a mutating effect, with enough
// information to restore it exactly.
type Snapshot struct {
	// Path is the absolute target path.
	Path string

	// Existed reports whether the file existed before the effect.
	Existed bool

	// Content is the file's bytes before the effect. Nil when Existed is false.
	Content []byte

	// Mode is the file's permission bits before the effect.
	Mode fs.FileMode
}

// Restore writes the snapshot back to disk, recreating or removing the file
// as needed.
func (s *Snapshot) Restore() error {
	if !s.Existed {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.Path, s.Content, s.Mode)
}

// EffectResult is the outcome of one task effect.
type EffectResult struct {
	// TaskID identifies the executed task.
	TaskID string

	// Snapshots are the pre-effect states of every mutated target, in
	// declaration order.
	Snapshots []Snapshot

	// Output is the combined output of the effect command, if any.
	Output []byte

	// Duration is the wall-clock time of the effect.
	Duration time.Duration
}

// Executor applies task effects inside a working-tree root. Every target
// path must resolve inside the root; anything else is a scope violation.
type Executor struct {
	// Root is the working-tree root all targets must stay within.
	Root string

	// Applier produces content for CREATE and MODIFY tasks.
	Applier Applier

	// Shell is the interpreter for EXECUTE tasks. Defaults to /bin/sh.
	Shell string

	log *telemetry.Logger
}

// NewExecutor creates an executor rooted at root.
func NewExecutor(root string, applier Applier, logger *telemetry.Logger) (*Executor, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("resolving root %s", root), err)
	}
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.DefaultConfig().Logging)
	}
	return &Executor{
		Root:    abs,
		Applier: applier,
		log:     logger.NewComponentLogger("executor"),
	}, nil
}

// Execute applies the task's effect. Mutating tasks get every target
// snapshotted first so a failed or rolled-back phase can be restored.
func (e *Executor) Execute(ctx context.Context, task *plan.Task) (*EffectResult, error) {
	start := time.Now()
	id := task.ID.String()
	log := e.log.WithTaskID(id)

	result := &EffectResult{TaskID: id}

	targets, err := e.resolveTargets(task)
	if err != nil {
		return nil, err
	}

	if task.Action.IsMutating() {
		for _, target := range targets {
			snap, err := takeSnapshot(target)
			if err != nil {
				return nil, NewExecutionError(
					fmt.Sprintf("snapshotting %s", target), err).WithTask(id)
			}
			result.Snapshots = append(result.Snapshots, snap)
		}
	}

	log.WithField("action", task.Action).Debug("applying effect")

	switch task.Action {
	case plan.ActionCreate, plan.ActionModify:
		output, err := e.applyContent(ctx, task, targets)
		result.Output = output
		if err != nil {
			return result, err
		}
	case plan.ActionDelete:
		if err := e.deleteTargets(task, targets); err != nil {
			return result, err
		}
	case plan.ActionExecute:
		output, err := e.runCommand(ctx, task)
		result.Output = output
		if err != nil {
			return result, err
		}
	default:
		return result, NewInternalError(
			fmt.Sprintf("unknown action %q", task.Action), nil).WithTask(id)
	}

	result.Duration = time.Since(start)
	log.WithField("duration", result.Duration.String()).Debug("effect applied")
	return result, nil
}

// resolveTargets maps the task's declared targets to absolute paths and
// rejects any path escaping the root.
func (e *Executor) resolveTargets(task *plan.Task) ([]string, error) {
	id := task.ID.String()
	resolved := make([]string, 0, len(task.Targets))
	for _, target := range task.Targets {
		p := target
		if !filepath.IsAbs(p) {
			p = filepath.Join(e.Root, p)
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, NewExecutionError(
				fmt.Sprintf("resolving target %s", target), err).WithTask(id)
		}
		rel, err := filepath.Rel(e.Root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, NewScopeViolation(
				fmt.Sprintf("target %s resolves outside the working tree root %s", target, e.Root),
				nil).WithTask(id)
		}
		resolved = append(resolved, abs)
	}
	return resolved, nil
}

// applyContent delegates a CREATE or MODIFY effect to the applier and checks
// the declared targets afterwards.
func (e *Executor) applyContent(ctx context.Context, task *plan.Task, targets []string) ([]byte, error) {
	id := task.ID.String()
	if e.Applier == nil {
		return nil, NewExecutionError(
			fmt.Sprintf("task %s requires an applier for %s but none is configured", id, task.Action),
			nil).WithTask(id)
	}

	output, err := e.Applier.Apply(ctx, task)
	if err != nil {
		return output, NewExecutionError(
			fmt.Sprintf("applying %s effect", task.Action), err).
			WithTask(id).WithOutput(string(output))
	}

	// The applier must have produced every declared target.
	for i, target := range targets {
		info, statErr := os.Stat(target)
		switch {
		case statErr != nil:
			return output, NewExecutionError(
				fmt.Sprintf("target %s missing after %s effect", task.Targets[i], task.Action),
				statErr).WithTask(id).WithOutput(string(output))
		case info.IsDir():
			return output, NewExecutionError(
				fmt.Sprintf("target %s is a directory", task.Targets[i]), nil).WithTask(id)
		}
	}
	return output, nil
}

// deleteTargets removes the task's targets. Deleting an already-absent
// target fails; the plan claimed it exists.
func (e *Executor) deleteTargets(task *plan.Task, targets []string) error {
	id := task.ID.String()
	for i, target := range targets {
		if _, err := os.Stat(target); err != nil {
			return NewExecutionError(
				fmt.Sprintf("delete target %s does not exist", task.Targets[i]), err).WithTask(id)
		}
		if err := os.Remove(target); err != nil {
			return NewExecutionError(
				fmt.Sprintf("deleting %s", task.Targets[i]), err).WithTask(id)
		}
	}
	return nil
}

// runCommand executes an EXECUTE task's command in the root.
func (e *Executor) runCommand(ctx context.Context, task *plan.Task) ([]byte, error) {
	id := task.ID.String()
	shell := e.Shell
	if shell == "" {
		shell = defaultShell
	}

	cmd := exec.CommandContext(ctx, shell, "-c", task.Run)
	cmd.WaitDelay = commandWaitDelay
	cmd.Dir = e.Root
	cmd.Env = append(os.Environ(),
		"PLANRUN_TASK_ID="+id,
		"PLANRUN_TASK_ACTION="+string(task.Action),
	)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		return buf.Bytes(), NewExecutionError(
			fmt.Sprintf("command %q failed", task.Run), err).
			WithTask(id).WithOutput(buf.String())
	}
	return buf.Bytes(), nil
}

func takeSnapshot(path string) (Snapshot, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return Snapshot{Path: path, Existed: false}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	if info.IsDir() {
		return Snapshot{}, fmt.Errorf("%s is a directory", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Path:    path,
		Existed: true,
		Content: content,
		Mode:    info.Mode().Perm(),
	}, nil
}

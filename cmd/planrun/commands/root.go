package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/planrun/planrun/pkg/engine"
)

// Exit codes.
const (
	// ExitOK means every executed task completed.
	ExitOK = 0

	// ExitTaskFailed means a task failed or the run halted.
	ExitTaskFailed = 1

	// ExitStructural means the plan could not be parsed or its dependency
	// graph is invalid; nothing was executed.
	ExitStructural = 2
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// exitError carries a process exit code with the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func taskFailure(format string, args ...interface{}) error {
	return &exitError{code: ExitTaskFailed, err: fmt.Errorf(format, args...)}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	if engine.IsStructural(err) {
		return ExitStructural
	}
	return ExitTaskFailed
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "planrun",
		Short: "planrun - Plan Execution Engine",
		Long: `planrun executes markdown plan documents: checklists of tasks with
dependencies, where every task is verified by an external command and the
document itself is the durable checkpoint.

Features:
  - One task at a time or bounded parallel execution
  - Exit-code verification gates with optional auto-fix retries
  - Atomic checkpointing into the plan document
  - Phase-level rollback from recorded snapshots
  - Resume from the document after interruption`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStepCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newSkipCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

package plan

import "fmt"

// Status represents the execution state of a task.
type Status string

const (
	// StatusPending indicates the task has not been selected yet.
	StatusPending Status = "pending"

	// StatusReady indicates the resolver has selected the task for execution.
	StatusReady Status = "ready"

	// StatusInProgress indicates the task's effect is being applied.
	StatusInProgress Status = "in_progress"

	// StatusVerifying indicates the effect was applied and the verification
	// command is running.
	StatusVerifying Status = "verifying"

	// StatusCompleted indicates a passing verification was durably checkpointed.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the most recent attempt failed but retries remain.
	StatusFailed Status = "failed"

	// StatusFailedTerminal indicates retries are exhausted; the task will never
	// be scheduled again and its dependents are permanently blocked.
	StatusFailedTerminal Status = "failed_terminal"

	// StatusSkipped indicates an explicit human override removed the task from
	// the schedule. Never set automatically.
	StatusSkipped Status = "skipped"
)

// IsTerminal returns true if the status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusSkipped || s == StatusFailedTerminal
}

// IsActive returns true if the task is currently being worked on.
func (s Status) IsActive() bool {
	return s == StatusReady || s == StatusInProgress || s == StatusVerifying
}

// Validate checks if the status is one of the known states.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusReady, StatusInProgress, StatusVerifying,
		StatusCompleted, StatusFailed, StatusFailedTerminal, StatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// CanTransition reports whether the state machine permits moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusReady || next == StatusSkipped
	case StatusReady:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusVerifying || next == StatusFailed
	case StatusVerifying:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusInProgress || next == StatusFailedTerminal
	default:
		// Terminal states have no outgoing edges; rollback resets the whole
		// phase through the checkpoint store instead.
		return false
	}
}

// Status markers persisted in the plan document checkbox.
const (
	MarkerPending        = ' '
	MarkerCompleted      = 'x'
	MarkerSkipped        = 's'
	MarkerFailedTerminal = '!'
)

// Marker returns the checkbox byte used to persist this status. Transient
// states (ready, in_progress, verifying, failed) persist as pending so an
// interrupted run resumes them safely.
func (s Status) Marker() byte {
	switch s {
	case StatusCompleted:
		return MarkerCompleted
	case StatusSkipped:
		return MarkerSkipped
	case StatusFailedTerminal:
		return MarkerFailedTerminal
	default:
		return MarkerPending
	}
}

// StatusFromMarker maps a checkbox byte back to a status.
func StatusFromMarker(b byte) (Status, error) {
	switch b {
	case MarkerPending:
		return StatusPending, nil
	case MarkerCompleted, 'X':
		return StatusCompleted, nil
	case MarkerSkipped:
		return StatusSkipped, nil
	case MarkerFailedTerminal:
		return StatusFailedTerminal, nil
	default:
		return "", fmt.Errorf("unknown status marker %q", string(b))
	}
}

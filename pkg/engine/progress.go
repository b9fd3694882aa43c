package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/planrun/planrun/pkg/plan"
)

// PhaseProgress summarizes one phase.
type PhaseProgress struct {
	// ID is the phase id.
	ID string

	// Name is the phase heading.
	Name string

	// Total is the number of tasks in the phase.
	Total int

	// Done is the number of COMPLETED or SKIPPED tasks.
	Done int
}

// Complete reports whether every task of the phase is done.
func (p *PhaseProgress) Complete() bool {
	return p.Done == p.Total
}

// Report summarizes a plan's execution state. It is computed from the plan
// alone and never mutates it.
type Report struct {
	// PlanID identifies the plan.
	PlanID string

	// Total is the number of tasks.
	Total int

	// Completed, Skipped, FailedTerminal, and Pending count tasks by
	// durable status.
	Completed      int
	Skipped        int
	FailedTerminal int
	Pending        int

	// InFlight counts tasks in a transient state.
	InFlight int

	// Runnable lists tasks that could execute now, ascending.
	Runnable []string

	// Blocked lists pending tasks with unsatisfied dependencies, ascending.
	Blocked []string

	// Phases are per-phase summaries in document order.
	Phases []PhaseProgress

	// RemainingEstimate sums the estimates of tasks not yet done. Zero when
	// no remaining task carries an estimate.
	RemainingEstimate time.Duration
}

// Percent returns completion as a percentage of total tasks, where SKIPPED
// counts as done.
func (r *Report) Percent() float64 {
	if r.Total == 0 {
		return 100
	}
	return float64(r.Completed+r.Skipped) / float64(r.Total) * 100
}

// Done reports whether every task reached a terminal state and none failed.
func (r *Report) Done() bool {
	return r.Pending == 0 && r.InFlight == 0 && r.FailedTerminal == 0
}

// Progress computes a report for the plan.
func Progress(p *plan.Plan, opts ResolveOptions) *Report {
	r := &Report{PlanID: p.ID}

	for _, t := range p.Tasks() {
		r.Total++
		switch t.Status {
		case plan.StatusCompleted:
			r.Completed++
		case plan.StatusSkipped:
			r.Skipped++
		case plan.StatusFailedTerminal:
			r.FailedTerminal++
		case plan.StatusPending:
			r.Pending++
		default:
			if t.Status.IsActive() || t.Status == plan.StatusFailed {
				r.InFlight++
			}
		}
		if !t.Status.IsTerminal() && t.Estimate > 0 {
			r.RemainingEstimate += t.Estimate
		}
	}

	for _, t := range NextRunnable(p, opts) {
		r.Runnable = append(r.Runnable, t.ID.String())
	}
	r.Blocked = Blocked(p, opts)

	for _, phase := range p.Phases {
		pp := PhaseProgress{ID: phase.ID, Name: phase.Name, Total: len(phase.Tasks)}
		for _, t := range phase.Tasks {
			if t.Status == plan.StatusCompleted || t.Status == plan.StatusSkipped {
				pp.Done++
			}
		}
		r.Phases = append(r.Phases, pp)
	}

	return r
}

// String renders the report as a short human-readable summary.
func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d/%d tasks done (%.0f%%)", r.PlanID, r.Completed+r.Skipped, r.Total, r.Percent())
	if r.FailedTerminal > 0 {
		fmt.Fprintf(&sb, ", %d failed", r.FailedTerminal)
	}
	if r.RemainingEstimate > 0 {
		fmt.Fprintf(&sb, ", ~%s remaining", r.RemainingEstimate)
	}
	sb.WriteByte('\n')
	for _, ph := range r.Phases {
		mark := " "
		if ph.Complete() {
			mark = "x"
		}
		fmt.Fprintf(&sb, "  [%s] Phase %s: %s (%d/%d)\n", mark, ph.ID, ph.Name, ph.Done, ph.Total)
	}
	if len(r.Runnable) > 0 {
		fmt.Fprintf(&sb, "  next: %s\n", strings.Join(r.Runnable, ", "))
	}
	if len(r.Blocked) > 0 {
		fmt.Fprintf(&sb, "  blocked: %s\n", strings.Join(r.Blocked, ", "))
	}
	return sb.String()
}

// Package plan defines the in-memory plan model and the parser/serializer for
// markdown plan documents. The task graph is fixed at parse time; only task
// status and attempt counts mutate during execution, and only the driver
// writes them (through the checkpoint store).
package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Action is the kind of effect a task applies.
type Action string

const (
	// ActionCreate creates the target resources.
	ActionCreate Action = "CREATE"

	// ActionModify changes existing target resources.
	ActionModify Action = "MODIFY"

	// ActionDelete removes the target resources.
	ActionDelete Action = "DELETE"

	// ActionExecute runs a bare command; no resource mutation is declared.
	ActionExecute Action = "EXECUTE"
)

// IsMutating returns true if the action changes target resources.
func (a Action) IsMutating() bool {
	return a == ActionCreate || a == ActionModify || a == ActionDelete
}

// Validate checks if the action is one of the known kinds.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionModify, ActionDelete, ActionExecute:
		return nil
	default:
		return fmt.Errorf("invalid task action: %s", a)
	}
}

// TaskID is the composite key {phase}.{number}[.{subletter}].
type TaskID struct {
	Phase  string
	Number int
	Sub    string
}

var taskIDPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*)\.([0-9]+)(?:\.([a-z]))?$`)

// ParseTaskID parses an id such as "A.1" or "B.12.c".
func ParseTaskID(s string) (TaskID, error) {
	m := taskIDPattern.FindStringSubmatch(s)
	if m == nil {
		return TaskID{}, fmt.Errorf("invalid task id %q", s)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return TaskID{}, fmt.Errorf("invalid task number in %q: %w", s, err)
	}
	return TaskID{Phase: m[1], Number: n, Sub: m[3]}, nil
}

// String returns the canonical textual form of the id.
func (id TaskID) String() string {
	if id.Sub != "" {
		return fmt.Sprintf("%s.%d.%s", id.Phase, id.Number, id.Sub)
	}
	return fmt.Sprintf("%s.%d", id.Phase, id.Number)
}

// Less orders ids by (phase, number, subletter). The resolver uses this for
// the deterministic tie-break among equally runnable tasks.
func (id TaskID) Less(other TaskID) bool {
	if id.Phase != other.Phase {
		return id.Phase < other.Phase
	}
	if id.Number != other.Number {
		return id.Number < other.Number
	}
	return id.Sub < other.Sub
}

// Task is the atomic unit of work.
type Task struct {
	// ID is unique within the plan.
	ID TaskID `validate:"required"`

	// Description is a human-readable summary, opaque to the engine.
	Description string `validate:"required"`

	// Targets are the resource paths the task is allowed to affect.
	Targets []string

	// Action is the kind of effect.
	Action Action `validate:"required,oneof=CREATE MODIFY DELETE EXECUTE"`

	// Verify is the external command run after the effect is applied.
	// Empty only when NoVerify is set.
	Verify string

	// NoVerify records an explicit "Verify: none" declaration. Only legal for
	// documentation-only tasks.
	NoVerify bool

	// Run is the command an EXECUTE task runs as its effect. Required for
	// EXECUTE, forbidden for every other action.
	Run string

	// DependsOn lists task ids that must be completed first.
	DependsOn []TaskID

	// Estimate is an opaque duration hint used only for reporting.
	Estimate time.Duration

	// Status is the current state-machine state.
	Status Status

	// Attempts counts verification attempts made so far.
	Attempts int

	// Line is the zero-based index of the checkbox line in the source
	// document.
	Line int

	// markerOffset is the byte offset of the status marker inside the raw
	// document, used by the serializer to rewrite it in place.
	markerOffset int
}

// Phase is a named grouping of tasks executed conceptually together.
type Phase struct {
	// ID is a letter or short code (the prefix of its task ids).
	ID string

	// Name is the free-text heading of the phase.
	Name string

	// Tasks are the phase's tasks in document order.
	Tasks []*Task
}

// Plan is the root aggregate. The structure is immutable after parse.
type Plan struct {
	// ID is derived from the source document path.
	ID string

	// Title is the free-text document title.
	Title string

	// SourcePath is the path the document was parsed from, if any.
	SourcePath string

	// Phases are the plan's phases in document order.
	Phases []*Phase

	// raw is the exact document bytes; the serializer patches status markers
	// into a copy of this buffer.
	raw []byte
}

// Tasks returns all tasks in document order.
func (p *Plan) Tasks() []*Task {
	var out []*Task
	for _, ph := range p.Phases {
		out = append(out, ph.Tasks...)
	}
	return out
}

// Task looks up a task by id.
func (p *Plan) Task(id TaskID) (*Task, bool) {
	for _, ph := range p.Phases {
		for _, t := range ph.Tasks {
			if t.ID == id {
				return t, true
			}
		}
	}
	return nil, false
}

// Phase looks up a phase by id.
func (p *Plan) Phase(id string) (*Phase, bool) {
	for _, ph := range p.Phases {
		if ph.ID == id {
			return ph, true
		}
	}
	return nil, false
}

// planIDFromPath derives a stable plan id from the document path.
func planIDFromPath(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	if base == "" {
		return "plan"
	}
	return base
}

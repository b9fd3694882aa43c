package plan

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ParseReason classifies a ParseError for programmatic handling.
type ParseReason string

const (
	// ReasonMalformedTask indicates a task line or metadata line that could
	// not be interpreted.
	ReasonMalformedTask ParseReason = "malformed_task"

	// ReasonDuplicateID indicates two tasks share an id.
	ReasonDuplicateID ParseReason = "duplicate_id"

	// ReasonDanglingDependency indicates a Depends on reference to an id that
	// does not exist in the plan.
	ReasonDanglingDependency ParseReason = "dangling_dependency"

	// ReasonMissingField indicates a required metadata field is absent.
	ReasonMissingField ParseReason = "missing_field"

	// ReasonMissingVerify indicates a task with no verify command that is not
	// eligible for the explicit "no verification" declaration.
	ReasonMissingVerify ParseReason = "missing_verify"

	// ReasonUnexpectedField indicates metadata that is illegal for the task's
	// action, such as Run on a non-EXECUTE task.
	ReasonUnexpectedField ParseReason = "unexpected_field"

	// ReasonPhaseMismatch indicates a task id whose phase prefix does not
	// match the enclosing phase heading.
	ReasonPhaseMismatch ParseReason = "phase_mismatch"
)

// ParseError is a fatal structural error in a plan document. Execution never
// starts when parsing fails.
type ParseError struct {
	Reason ParseReason
	Line   int
	TaskID string
	Msg    string
}

func (e *ParseError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("parse error at line %d (%s): task %s: %s", e.Line, e.Reason, e.TaskID, e.Msg)
	}
	return fmt.Sprintf("parse error at line %d (%s): %s", e.Line, e.Reason, e.Msg)
}

var (
	titleLine = regexp.MustCompile(`^#\s+(.+?)\s*$`)
	phaseLine = regexp.MustCompile(`^##\s+Phase\s+([A-Za-z][A-Za-z0-9]*)\s*:\s*(.*?)\s*$`)
	taskLine  = regexp.MustCompile(`^- \[(.)\] (\S+)\s+(.+?)\s*$`)
	metaLine  = regexp.MustCompile(`^(?:\s{2,}|\t+)- ([A-Za-z][A-Za-z ]*?)\s*:\s*(.*?)\s*$`)
)

var validate = validator.New()

// ParseFile reads and parses a plan document from disk.
func ParseFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan document: %w", err)
	}
	return Parse(data, path)
}

// Parse converts a plan document into a Plan. The document bytes are retained
// verbatim so that re-serializing changes only status markers.
func Parse(data []byte, source string) (*Plan, error) {
	p := &Plan{
		ID:         planIDFromPath(source),
		SourcePath: source,
		raw:        append([]byte(nil), data...),
	}

	var (
		phase   *Phase
		current *Task
		offset  int
	)

	lines := strings.SplitAfter(string(data), "\n")
	for i, withEOL := range lines {
		line := strings.TrimRight(withEOL, "\n")
		lineStart := offset
		offset += len(withEOL)

		switch {
		case p.Title == "" && titleLine.MatchString(line):
			p.Title = titleLine.FindStringSubmatch(line)[1]

		case phaseLine.MatchString(line):
			m := phaseLine.FindStringSubmatch(line)
			phase = &Phase{ID: m[1], Name: m[2]}
			p.Phases = append(p.Phases, phase)
			current = nil

		case taskLine.MatchString(line):
			m := taskLine.FindStringSubmatch(line)
			if phase == nil {
				return nil, &ParseError{Reason: ReasonMalformedTask, Line: i + 1,
					Msg: "task declared before any phase heading"}
			}
			id, err := ParseTaskID(m[2])
			if err != nil {
				return nil, &ParseError{Reason: ReasonMalformedTask, Line: i + 1,
					Msg: err.Error()}
			}
			if id.Phase != phase.ID {
				return nil, &ParseError{Reason: ReasonPhaseMismatch, Line: i + 1, TaskID: id.String(),
					Msg: fmt.Sprintf("task id belongs to phase %s but appears under phase %s", id.Phase, phase.ID)}
			}
			status, err := StatusFromMarker(m[1][0])
			if err != nil {
				return nil, &ParseError{Reason: ReasonMalformedTask, Line: i + 1, TaskID: id.String(),
					Msg: err.Error()}
			}
			current = &Task{
				ID:          id,
				Description: m[3],
				Status:      status,
				Line:        i,
				// "- [" is three bytes; the marker is the fourth.
				markerOffset: lineStart + 3,
			}
			phase.Tasks = append(phase.Tasks, current)

		case metaLine.MatchString(line):
			if current == nil {
				// Indented list items outside a task block are ordinary prose.
				continue
			}
			m := metaLine.FindStringSubmatch(line)
			if err := applyMetadata(current, m[1], m[2], i+1); err != nil {
				return nil, err
			}

		default:
			// A blank line or any non-metadata content ends the task block.
			if strings.TrimSpace(line) == "" || !strings.HasPrefix(line, " ") {
				current = nil
			}
		}
	}

	if err := validatePlan(p); err != nil {
		return nil, err
	}
	return p, nil
}

// applyMetadata interprets one indented "- Key: value" line of a task block.
// Unknown keys are preserved in the document but ignored by the engine.
func applyMetadata(t *Task, key, value string, line int) error {
	switch strings.ToLower(key) {
	case "file", "files", "target", "targets":
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				t.Targets = append(t.Targets, trimmed)
			}
		}
	case "action":
		a := Action(strings.ToUpper(value))
		if err := a.Validate(); err != nil {
			return &ParseError{Reason: ReasonMalformedTask, Line: line, TaskID: t.ID.String(), Msg: err.Error()}
		}
		t.Action = a
	case "verify":
		if strings.EqualFold(value, "none") {
			t.NoVerify = true
		} else {
			t.Verify = value
		}
	case "run":
		t.Run = value
	case "depends on", "dependson", "depends":
		if strings.EqualFold(value, "none") {
			return nil
		}
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			dep, err := ParseTaskID(trimmed)
			if err != nil {
				return &ParseError{Reason: ReasonMalformedTask, Line: line, TaskID: t.ID.String(), Msg: err.Error()}
			}
			t.DependsOn = append(t.DependsOn, dep)
		}
	case "estimate":
		// Opaque hint; an unparsable estimate is ignored rather than fatal.
		if d, err := time.ParseDuration(value); err == nil {
			t.Estimate = d
		}
	}
	return nil
}

// validatePlan enforces the structural invariants that must hold before any
// task can run: unique ids, resolvable dependencies, legal field combinations.
func validatePlan(p *Plan) error {
	seen := make(map[TaskID]*Task)
	for _, t := range p.Tasks() {
		if prev, dup := seen[t.ID]; dup {
			return &ParseError{Reason: ReasonDuplicateID, Line: t.Line + 1, TaskID: t.ID.String(),
				Msg: fmt.Sprintf("already declared at line %d", prev.Line+1)}
		}
		seen[t.ID] = t
	}

	for _, t := range p.Tasks() {
		if t.Action == "" {
			return &ParseError{Reason: ReasonMissingField, Line: t.Line + 1, TaskID: t.ID.String(),
				Msg: "task has no Action"}
		}
		if t.Action == ActionExecute && t.Run == "" {
			return &ParseError{Reason: ReasonMissingField, Line: t.Line + 1, TaskID: t.ID.String(),
				Msg: "EXECUTE task has no Run command"}
		}
		if t.Action != ActionExecute && t.Run != "" {
			return &ParseError{Reason: ReasonUnexpectedField, Line: t.Line + 1, TaskID: t.ID.String(),
				Msg: fmt.Sprintf("Run is only legal for EXECUTE tasks, not %s", t.Action)}
		}
		if t.Action.IsMutating() && len(t.Targets) == 0 {
			return &ParseError{Reason: ReasonMissingField, Line: t.Line + 1, TaskID: t.ID.String(),
				Msg: fmt.Sprintf("%s task declares no targets", t.Action)}
		}
		if err := checkVerifyDeclaration(t); err != nil {
			return err
		}
		for _, dep := range t.DependsOn {
			if _, ok := seen[dep]; !ok {
				return &ParseError{Reason: ReasonDanglingDependency, Line: t.Line + 1, TaskID: t.ID.String(),
					Msg: fmt.Sprintf("depends on undefined task %s", dep)}
			}
			if dep == t.ID {
				return &ParseError{Reason: ReasonDanglingDependency, Line: t.Line + 1, TaskID: t.ID.String(),
					Msg: "task depends on itself"}
			}
		}
		if err := validate.Struct(t); err != nil {
			return &ParseError{Reason: ReasonMalformedTask, Line: t.Line + 1, TaskID: t.ID.String(),
				Msg: err.Error()}
		}
	}
	return nil
}

// checkVerifyDeclaration enforces that only documentation-only tasks may
// declare "Verify: none"; every other task needs a verify command.
func checkVerifyDeclaration(t *Task) error {
	if t.Verify != "" {
		return nil
	}
	if !t.NoVerify {
		return &ParseError{Reason: ReasonMissingVerify, Line: t.Line + 1, TaskID: t.ID.String(),
			Msg: "task has no Verify command and does not declare Verify: none"}
	}
	if t.Action == ActionExecute || !documentationOnly(t.Targets) {
		return &ParseError{Reason: ReasonMissingVerify, Line: t.Line + 1, TaskID: t.ID.String(),
			Msg: "Verify: none is only legal for documentation-only tasks"}
	}
	return nil
}

var docExtensions = []string{".md", ".markdown", ".rst", ".txt", ".adoc"}

func documentationOnly(targets []string) bool {
	if len(targets) == 0 {
		return false
	}
	for _, target := range targets {
		lower := strings.ToLower(target)
		matched := false
		for _, ext := range docExtensions {
			if strings.HasSuffix(lower, ext) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

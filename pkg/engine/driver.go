package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/planrun/planrun/pkg/plan"
	"github.com/planrun/planrun/pkg/telemetry"
)

// CheckpointStore persists task status transitions back into the plan
// document. Commit must be atomic: after it returns nil the document on disk
// reflects the new status, and after an error it does not.
type CheckpointStore interface {
	// Commit records a durable status for the task and rewrites the document.
	Commit(ctx context.Context, p *plan.Plan, taskID plan.TaskID, status plan.Status, attempts int) error
}

// SnapshotStore persists pre-effect snapshots for later rollback.
type SnapshotStore interface {
	// SaveSnapshots stores the snapshots taken before a task's effect.
	SaveSnapshots(ctx context.Context, runID string, taskID plan.TaskID, snaps []Snapshot) error

	// PhaseSnapshots returns all snapshots recorded for tasks of a phase,
	// newest first.
	PhaseSnapshots(ctx context.Context, planID, phaseID string) ([]Snapshot, error)
}

// Options control a run.
type Options struct {
	// Phase restricts execution to one phase id. Empty means the whole plan.
	Phase string

	// DryRun reports what would execute without applying effects or
	// changing any status.
	DryRun bool

	// AutoFix enables the fix strategy between verification attempts.
	// Without it a failed verification is terminal on the first attempt.
	AutoFix bool

	// MaxRetries bounds verification retries when AutoFix is on.
	MaxRetries int

	// Parallel enables concurrent execution of independent tasks with
	// pairwise disjoint targets.
	Parallel bool

	// Workers caps concurrent tasks when Parallel is on.
	Workers int

	// VerifyTimeout bounds each verification command. Zero means the
	// gate's default.
	VerifyTimeout time.Duration

	// SkippedSatisfiesDeps treats SKIPPED dependencies as satisfied.
	SkippedSatisfiesDeps bool
}

// HaltReport describes why a run stopped early.
type HaltReport struct {
	// TaskID is the failing task.
	TaskID string

	// Reason is a one-line human explanation.
	Reason string

	// Output is the last verification or command output.
	Output string

	// Blocked lists the pending tasks that can no longer run, ascending.
	Blocked []string
}

// TaskOutcome is the result of driving one task through its lifecycle.
type TaskOutcome struct {
	// TaskID identifies the task.
	TaskID string

	// Status is the task's status after the attempt.
	Status plan.Status

	// Attempts is the number of verification attempts made.
	Attempts int

	// Verification is the last verification result, if one ran.
	Verification *VerificationResult

	// Duration is the wall-clock time of effect plus verification.
	Duration time.Duration
}

// StepResult is the outcome of executing a single task.
type StepResult struct {
	// Outcome is nil when no task was runnable.
	Outcome *TaskOutcome

	// WouldRun is set in dry-run mode instead of Outcome.
	WouldRun *plan.Task

	// Halt is non-nil when the step failed.
	Halt *HaltReport

	// Blocked lists pending tasks with unsatisfied dependencies when no
	// task was runnable.
	Blocked []string
}

// RunResult is the outcome of a full run.
type RunResult struct {
	// RunID identifies this run in the journal.
	RunID string

	// Outcomes are per-task results in completion order.
	Outcomes []*TaskOutcome

	// WouldRun lists the tasks a dry run would execute, in order.
	WouldRun []*plan.Task

	// Halt is non-nil when the run stopped before exhausting the frontier.
	Halt *HaltReport

	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// Completed counts outcomes that reached COMPLETED.
func (r *RunResult) Completed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == plan.StatusCompleted {
			n++
		}
	}
	return n
}

// Driver walks a plan through the task lifecycle: resolve the runnable
// frontier, apply effects, verify, and checkpoint durable statuses one task
// at a time.
type Driver struct {
	plan      *plan.Plan
	executor  *Executor
	gate      *Gate
	store     CheckpointStore
	snapshots SnapshotStore
	fix       FixStrategy
	opts      Options

	runID   string
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewDriver wires a driver. The plan must already have passed BuildGraph;
// snapshots and fix may be nil.
func NewDriver(p *plan.Plan, executor *Executor, gate *Gate, store CheckpointStore, opts Options,
	logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Driver {

	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.DefaultConfig().Logging)
	}
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	if tracer == nil {
		tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "planrun", "dev", "development")
	}

	runID := uuid.New().String()
	return &Driver{
		plan:     p,
		executor: executor,
		gate:     gate,
		store:    store,
		opts:     opts,
		fix:      NoFix{},
		runID:    runID,
		log:      logger.NewComponentLogger("driver").WithRunID(runID).WithPlanID(p.ID),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// RunID returns the identifier of this run.
func (d *Driver) RunID() string { return d.runID }

// SetFixStrategy installs the remediation used between verification
// attempts when auto-fix is enabled.
func (d *Driver) SetFixStrategy(fix FixStrategy) {
	if fix != nil {
		d.fix = fix
	}
}

// SetSnapshotStore installs durable snapshot persistence for rollback.
func (d *Driver) SetSnapshotStore(s SnapshotStore) { d.snapshots = s }

func (d *Driver) resolveOpts() ResolveOptions {
	return ResolveOptions{
		Scope:                d.opts.Phase,
		SkippedSatisfiesDeps: d.opts.SkippedSatisfiesDeps,
	}
}

// maxRetries returns the effective retry bound: zero unless auto-fix is on.
func (d *Driver) maxRetries() int {
	if !d.opts.AutoFix {
		return 0
	}
	return d.opts.MaxRetries
}

// Step executes exactly one runnable task, or reports why none is runnable.
func (d *Driver) Step(ctx context.Context) (*StepResult, error) {
	frontier := NextRunnable(d.plan, d.resolveOpts())
	if len(frontier) == 0 {
		return &StepResult{Blocked: Blocked(d.plan, d.resolveOpts())}, nil
	}

	task := frontier[0]
	if d.opts.DryRun {
		return &StepResult{WouldRun: task}, nil
	}

	outcome, err := d.runTask(ctx, task)
	result := &StepResult{Outcome: outcome}
	if err != nil {
		result.Halt = d.haltReport(task, outcome, err)
		return result, err
	}
	if outcome.Status == plan.StatusFailedTerminal {
		result.Halt = d.haltReport(task, outcome, nil)
	}
	return result, nil
}

// Run executes runnable tasks until nothing is runnable. A terminal failure
// blocks only its dependents; unrelated branches keep executing, and the
// first failure is reported in the halt report.
func (d *Driver) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	mode := "run"
	if d.opts.DryRun {
		mode = "dry_run"
	}
	d.metrics.RecordRunStarted(mode)

	result := &RunResult{RunID: d.runID}

	ctx, span := d.tracer.StartRunSpan(ctx, d.runID, d.plan.ID)
	defer span.End()

	if d.opts.DryRun {
		result.WouldRun = d.simulate()
		result.Duration = time.Since(start)
		d.metrics.RecordRunCompleted("dry_run", result.Duration)
		return result, nil
	}

	var runErr error
	var firstFailure *TaskOutcome
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		frontier := NextRunnable(d.plan, d.resolveOpts())
		if len(frontier) == 0 {
			break
		}
		d.metrics.SetPendingTasks(float64(d.pendingCount()))

		var round []*plan.Task
		if d.opts.Parallel {
			round = selectDisjoint(frontier, d.opts.Workers)
		} else {
			round = frontier[:1]
		}

		outcomes, err := d.runRound(ctx, round)
		result.Outcomes = append(result.Outcomes, outcomes...)
		if err != nil {
			runErr = err
			break
		}
		for _, o := range outcomes {
			if o.Status == plan.StatusFailedTerminal && firstFailure == nil {
				firstFailure = o
			}
		}
	}

	result.Duration = time.Since(start)
	if firstFailure != nil {
		result.Halt = d.haltReportFromOutcome(firstFailure)
	}

	switch {
	case runErr != nil:
		telemetry.RecordError(span, runErr)
		d.metrics.RecordRunCompleted("error", result.Duration)
		if result.Halt == nil {
			if t := lastOutcomeTask(d.plan, result); t != nil {
				result.Halt = d.haltReport(t, lastOutcome(result), runErr)
			} else {
				result.Halt = &HaltReport{
					Reason:  runErr.Error(),
					Blocked: Blocked(d.plan, d.resolveOpts()),
				}
			}
		}
		return result, runErr
	case result.Halt != nil:
		d.metrics.RecordRunCompleted("halted", result.Duration)
		return result, nil
	default:
		telemetry.RecordSuccess(span)
		d.metrics.RecordRunCompleted("completed", result.Duration)
		return result, nil
	}
}

// simulate walks the frontier as if every executed task completed, without
// touching task statuses or the document.
func (d *Driver) simulate() []*plan.Task {
	completed := make(map[string]bool)
	for _, t := range d.plan.Tasks() {
		if t.Status == plan.StatusCompleted ||
			(d.opts.SkippedSatisfiesDeps && t.Status == plan.StatusSkipped) {
			completed[t.ID.String()] = true
		}
	}

	var order []*plan.Task
	scheduled := make(map[string]bool)
	for {
		var frontier []*plan.Task
		for _, t := range d.plan.Tasks() {
			if t.Status != plan.StatusPending || scheduled[t.ID.String()] {
				continue
			}
			if d.opts.Phase != "" && t.ID.Phase != d.opts.Phase {
				continue
			}
			ok := true
			for _, dep := range t.DependsOn {
				if !completed[dep.String()] {
					ok = false
					break
				}
			}
			if ok {
				frontier = append(frontier, t)
			}
		}
		if len(frontier) == 0 {
			return order
		}
		sort.Slice(frontier, func(i, j int) bool {
			return frontier[i].ID.Less(frontier[j].ID)
		})
		for _, t := range frontier {
			scheduled[t.ID.String()] = true
			completed[t.ID.String()] = true
			order = append(order, t)
		}
	}
}

// runRound executes the round's tasks, concurrently when it has more than
// one, and commits their durable statuses serially in ascending id order.
func (d *Driver) runRound(ctx context.Context, round []*plan.Task) ([]*TaskOutcome, error) {
	type attempt struct {
		task    *plan.Task
		outcome *TaskOutcome
		err     error
	}

	attempts := make([]attempt, len(round))

	if len(round) == 1 {
		outcome, err := d.runTask(ctx, round[0])
		attempts[0] = attempt{task: round[0], outcome: outcome, err: err}
	} else {
		var wg sync.WaitGroup
		for i, t := range round {
			wg.Add(1)
			go func(i int, t *plan.Task) {
				defer wg.Done()
				outcome, err := d.attemptTask(ctx, t)
				attempts[i] = attempt{task: t, outcome: outcome, err: err}
			}(i, t)
		}
		wg.Wait()

		// Commit in ascending id order so the journal and document history
		// stay deterministic regardless of completion order.
		sort.Slice(attempts, func(i, j int) bool {
			return attempts[i].task.ID.Less(attempts[j].task.ID)
		})
		for i := range attempts {
			a := &attempts[i]
			if a.err != nil || a.outcome == nil {
				continue
			}
			if err := d.commitOutcome(ctx, a.task, a.outcome); err != nil {
				a.err = err
			}
		}
	}

	outcomes := make([]*TaskOutcome, 0, len(attempts))
	var firstErr error
	for _, a := range attempts {
		if a.outcome != nil {
			outcomes = append(outcomes, a.outcome)
		}
		if a.err != nil && firstErr == nil {
			firstErr = a.err
		}
	}
	return outcomes, firstErr
}

// runTask drives one task through effect, verification, and checkpoint.
func (d *Driver) runTask(ctx context.Context, task *plan.Task) (*TaskOutcome, error) {
	outcome, err := d.attemptTask(ctx, task)
	if err != nil {
		return outcome, err
	}
	if err := d.commitOutcome(ctx, task, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// advance moves the task along a state-machine edge. Any move the lifecycle
// does not permit is an engine defect.
func advance(task *plan.Task, next plan.Status) error {
	if !task.Status.CanTransition(next) {
		return NewInternalError(
			fmt.Sprintf("illegal status transition %s -> %s", task.Status, next), nil).
			WithTask(task.ID.String())
	}
	task.Status = next
	return nil
}

// attemptTask applies the effect and verifies, leaving the durable commit to
// the caller. The task's in-memory status tracks the transient lifecycle;
// terminal statuses are carried on the outcome and assigned only after the
// commit succeeds.
func (d *Driver) attemptTask(ctx context.Context, task *plan.Task) (*TaskOutcome, error) {
	start := time.Now()
	id := task.ID.String()
	log := d.log.WithTaskID(id)

	ctx, span := d.tracer.StartTaskSpan(ctx, id, string(task.Action))
	defer span.End()

	outcome := &TaskOutcome{TaskID: id}

	d.metrics.TaskStarted()
	defer d.metrics.TaskFinished()

	// READY is momentary; a resolved task is claimed immediately.
	if err := advance(task, plan.StatusReady); err != nil {
		return outcome, err
	}
	if err := advance(task, plan.StatusInProgress); err != nil {
		return outcome, err
	}
	log.WithField("action", task.Action).Info("executing task")

	effect, err := d.executor.Execute(ctx, task)
	if err != nil {
		if IsScopeViolation(err) {
			// Nothing was applied; withdraw the claim and halt the run.
			task.Status = plan.StatusPending
			d.metrics.RecordError(string(ErrorClassScope))
			telemetry.RecordError(span, err)
			log.WithError(err).Error("scope violation")
			outcome.Status = task.Status
			outcome.Duration = time.Since(start)
			return outcome, err
		}
		// An effect failure has no retry path; it is terminal immediately.
		if aerr := advance(task, plan.StatusFailed); aerr != nil {
			return outcome, aerr
		}
		outcome.Status = plan.StatusFailedTerminal
		d.metrics.RecordError(string(ErrorClassExecution))
		d.metrics.RecordTaskExecution(string(task.Action), string(outcome.Status), time.Since(start))
		telemetry.RecordError(span, err)
		log.WithError(err).Error("task effect failed")
		outcome.Duration = time.Since(start)
		return outcome, nil
	}

	if d.snapshots != nil && len(effect.Snapshots) > 0 {
		if err := d.snapshots.SaveSnapshots(ctx, d.runID, task.ID, effect.Snapshots); err != nil {
			// The effect is already applied. Keep the task out of the
			// runnable set so a resume does not blindly re-run it.
			if aerr := advance(task, plan.StatusFailed); aerr != nil {
				return outcome, aerr
			}
			outcome.Status = task.Status
			outcome.Duration = time.Since(start)
			return outcome, NewInternalError("persisting snapshots", err).WithTask(id)
		}
	}

	if err := advance(task, plan.StatusVerifying); err != nil {
		return outcome, err
	}
	vctx, vspan := d.tracer.StartVerifySpan(ctx, id, task.Attempts+1)
	verification, attempts, err := d.gate.VerifyWithRetry(vctx, task, d.fixStrategy(), d.maxRetries())
	if err != nil {
		telemetry.RecordError(vspan, err)
	} else if verification != nil && verification.Passed {
		telemetry.RecordSuccess(vspan)
	}
	vspan.End()
	outcome.Verification = verification
	outcome.Attempts = attempts
	for i := 1; i < attempts; i++ {
		d.metrics.RecordVerificationRetry()
	}
	if verification != nil {
		verifyResult := "failed"
		if verification.Passed {
			verifyResult = "passed"
		}
		d.metrics.RecordVerification(verifyResult, verification.Duration)
	}
	if err != nil {
		if aerr := advance(task, plan.StatusFailed); aerr != nil {
			return outcome, aerr
		}
		outcome.Duration = time.Since(start)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Interrupted, not a verdict; nothing durable is written and
			// the task stays safe to resume.
			log.Warn("verification interrupted")
			outcome.Status = task.Status
			return outcome, err
		}
		outcome.Status = plan.StatusFailedTerminal
		d.metrics.RecordError(string(ErrorClassVerification))
		telemetry.RecordError(span, err)
		return outcome, nil
	}

	if verification.Passed {
		outcome.Status = plan.StatusCompleted
		telemetry.RecordSuccess(span)
		log.WithField("attempts", attempts).Info("task completed")
	} else {
		// Retries are exhausted; the failure is terminal.
		if aerr := advance(task, plan.StatusFailed); aerr != nil {
			return outcome, aerr
		}
		outcome.Status = plan.StatusFailedTerminal
		d.metrics.RecordError(string(ErrorClassVerification))
		log.WithField("attempts", attempts).
			WithField("exit_code", verification.ExitCode).
			Error("verification failed")
	}

	outcome.Duration = time.Since(start)
	d.metrics.RecordTaskExecution(string(task.Action), string(outcome.Status), outcome.Duration)
	return outcome, nil
}

// commitOutcome persists the task's durable status and only then moves the
// in-memory state onto it. On commit failure the task reverts to pending so
// the document stays authoritative.
func (d *Driver) commitOutcome(ctx context.Context, task *plan.Task, outcome *TaskOutcome) error {
	if !outcome.Status.IsTerminal() {
		return nil
	}
	if task.Status != outcome.Status && !task.Status.CanTransition(outcome.Status) {
		return NewInternalError(
			fmt.Sprintf("illegal status transition %s -> %s", task.Status, outcome.Status), nil).
			WithTask(task.ID.String())
	}
	if d.store != nil {
		err := d.store.Commit(ctx, d.plan, task.ID, outcome.Status, outcome.Attempts)
		d.metrics.RecordCheckpoint(err)
		if err != nil {
			task.Status = plan.StatusPending
			outcome.Status = plan.StatusPending
			return NewInternalError("checkpoint commit failed", err).WithTask(task.ID.String())
		}
	}
	task.Status = outcome.Status
	return nil
}

func (d *Driver) fixStrategy() FixStrategy {
	if !d.opts.AutoFix {
		return NoFix{}
	}
	return d.fix
}

func (d *Driver) pendingCount() int {
	n := 0
	for _, t := range d.plan.Tasks() {
		if t.Status == plan.StatusPending {
			n++
		}
	}
	return n
}

func (d *Driver) haltReport(task *plan.Task, outcome *TaskOutcome, err error) *HaltReport {
	report := &HaltReport{
		TaskID:  task.ID.String(),
		Blocked: Blocked(d.plan, d.resolveOpts()),
	}
	switch {
	case err != nil:
		report.Reason = err.Error()
		var e *Error
		if errors.As(err, &e) {
			report.Output = e.Output
		}
	case outcome != nil && outcome.Verification != nil && !outcome.Verification.Passed:
		report.Reason = outcome.Verification.Summarize()
		report.Output = outcome.Verification.Output
	default:
		report.Reason = fmt.Sprintf("task %s failed", task.ID)
	}
	return report
}

func (d *Driver) haltReportFromOutcome(o *TaskOutcome) *HaltReport {
	id, _ := plan.ParseTaskID(o.TaskID)
	if t, ok := d.plan.Task(id); ok {
		return d.haltReport(t, o, nil)
	}
	return &HaltReport{TaskID: o.TaskID, Reason: "task failed"}
}

func lastOutcome(r *RunResult) *TaskOutcome {
	if len(r.Outcomes) == 0 {
		return nil
	}
	return r.Outcomes[len(r.Outcomes)-1]
}

func lastOutcomeTask(p *plan.Plan, r *RunResult) *plan.Task {
	o := lastOutcome(r)
	if o == nil {
		return nil
	}
	id, err := plan.ParseTaskID(o.TaskID)
	if err != nil {
		return nil
	}
	if t, ok := p.Task(id); ok {
		return t
	}
	return nil
}

// selectDisjoint greedily picks tasks from the ordered frontier whose target
// sets do not overlap, up to the worker cap. Tasks without declared targets
// run alone; their effects are opaque.
func selectDisjoint(frontier []*plan.Task, workers int) []*plan.Task {
	if workers <= 0 {
		workers = 1
	}

	first := frontier[0]
	if len(first.Targets) == 0 {
		return frontier[:1]
	}

	taken := make(map[string]bool)
	var round []*plan.Task
	for _, t := range frontier {
		if len(round) >= workers {
			break
		}
		if len(t.Targets) == 0 {
			continue
		}
		conflict := false
		for _, target := range t.Targets {
			if taken[target] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for _, target := range t.Targets {
			taken[target] = true
		}
		round = append(round, t)
	}
	return round
}

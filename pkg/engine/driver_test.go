package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/planrun/planrun/pkg/plan"
)

// memStore records commits in order without touching disk.
type memStore struct {
	mu      sync.Mutex
	commits []string
	fail    bool
}

func (s *memStore) Commit(ctx context.Context, p *plan.Plan, taskID plan.TaskID, status plan.Status, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.commits = append(s.commits, fmt.Sprintf("%s:%s", taskID, status))
	return nil
}

// statusAtCommit records the task's in-memory status as seen at commit time.
type statusAtCommit struct {
	memStore
	seen []plan.Status
}

func (s *statusAtCommit) Commit(ctx context.Context, p *plan.Plan, taskID plan.TaskID, status plan.Status, attempts int) error {
	if t, ok := p.Task(taskID); ok {
		s.seen = append(s.seen, t.Status)
	}
	return s.memStore.Commit(ctx, p, taskID, status, attempts)
}

// failingSnapshotStore rejects every snapshot write.
type failingSnapshotStore struct{}

func (failingSnapshotStore) SaveSnapshots(ctx context.Context, runID string, taskID plan.TaskID, snaps []Snapshot) error {
	return errors.New("journal unavailable")
}

func (failingSnapshotStore) PhaseSnapshots(ctx context.Context, planID, phaseID string) ([]Snapshot, error) {
	return nil, nil
}

func newTestDriverWith(t *testing.T, doc string, opts Options, store CheckpointStore) (*Driver, *plan.Plan) {
	t.Helper()
	p := parsePlan(t, doc)
	if _, err := BuildGraph(p); err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	dir := t.TempDir()
	applier := &CommandApplier{Command: `printf 'generated\n' > "$PLANRUN_TASK_TARGETS"`, Dir: dir}
	executor, err := NewExecutor(dir, applier, nil)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	applier.Dir = executor.Root
	gate := NewGate(executor.Root, opts.VerifyTimeout, nil)

	return NewDriver(p, executor, gate, store, opts, nil, nil, nil), p
}

func newTestDriver(t *testing.T, doc string, opts Options) (*Driver, *plan.Plan, *memStore) {
	t.Helper()
	store := &memStore{}
	d, p := newTestDriverWith(t, doc, opts, store)
	return d, p, store
}

func TestRunCompletesPlan(t *testing.T) {
	d, p, store := newTestDriver(t, chainDoc, Options{})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Halt != nil {
		t.Fatalf("Run() halted: %+v", result.Halt)
	}
	if result.Completed() != 4 {
		t.Errorf("completed = %d, want 4", result.Completed())
	}

	for _, task := range p.Tasks() {
		if task.Status != plan.StatusCompleted {
			t.Errorf("task %s status = %s, want completed", task.ID, task.Status)
		}
	}

	want := []string{"A.1:completed", "A.2:completed", "A.3:completed", "B.1:completed"}
	if len(store.commits) != len(want) {
		t.Fatalf("commits = %v, want %v", store.commits, want)
	}
	for i := range want {
		if store.commits[i] != want[i] {
			t.Errorf("commit[%d] = %s, want %s", i, store.commits[i], want[i])
		}
	}
}

func TestRunDeterministicOrder(t *testing.T) {
	// Two runs over the same plan must execute in the same order.
	var orders [2][]string
	for i := 0; i < 2; i++ {
		d, _, store := newTestDriver(t, chainDoc, Options{})
		if _, err := d.Run(context.Background()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		orders[i] = store.commits
	}
	if len(orders[0]) != len(orders[1]) {
		t.Fatalf("runs committed different counts: %v vs %v", orders[0], orders[1])
	}
	for i := range orders[0] {
		if orders[0][i] != orders[1][i] {
			t.Fatalf("order differs at %d: %v vs %v", i, orders[0], orders[1])
		}
	}
}

func TestRunHaltsOnVerificationFailure(t *testing.T) {
	doc := `# Halt
## Phase A: One
- [ ] A.1 passes
  - Action: EXECUTE
  - Run: true
  - Verify: true
- [ ] A.2 fails
  - Action: EXECUTE
  - Run: true
  - Verify: echo broken; exit 1
  - Depends on: A.1
- [ ] A.3 never runs
  - Action: EXECUTE
  - Run: true
  - Verify: true
  - Depends on: A.2
`
	d, p, store := newTestDriver(t, doc, Options{})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Halt == nil {
		t.Fatal("Run() should halt on the failing task")
	}
	if result.Halt.TaskID != "A.2" {
		t.Errorf("Halt.TaskID = %s, want A.2", result.Halt.TaskID)
	}
	if result.Halt.Output == "" {
		t.Error("halt report should carry the verification output")
	}
	if len(result.Halt.Blocked) != 1 || result.Halt.Blocked[0] != "A.3" {
		t.Errorf("Halt.Blocked = %v, want [A.3]", result.Halt.Blocked)
	}

	a2, _ := p.Task(plan.TaskID{Phase: "A", Number: 2})
	if a2.Status != plan.StatusFailedTerminal {
		t.Errorf("A.2 status = %s, want failed_terminal", a2.Status)
	}
	a3, _ := p.Task(plan.TaskID{Phase: "A", Number: 3})
	if a3.Status != plan.StatusPending {
		t.Errorf("A.3 status = %s, want pending", a3.Status)
	}

	want := []string{"A.1:completed", "A.2:failed_terminal"}
	if len(store.commits) != 2 || store.commits[0] != want[0] || store.commits[1] != want[1] {
		t.Errorf("commits = %v, want %v", store.commits, want)
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	d, p, store := newTestDriver(t, chainDoc, Options{DryRun: true})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"A.1", "A.2", "A.3", "B.1"}
	if len(result.WouldRun) != len(want) {
		t.Fatalf("WouldRun = %v, want %v", ids(result.WouldRun), want)
	}
	for i := range want {
		if result.WouldRun[i].ID.String() != want[i] {
			t.Errorf("WouldRun[%d] = %s, want %s", i, result.WouldRun[i].ID, want[i])
		}
	}

	for _, task := range p.Tasks() {
		if task.Status != plan.StatusPending {
			t.Errorf("dry run changed %s to %s", task.ID, task.Status)
		}
	}
	if len(store.commits) != 0 {
		t.Errorf("dry run committed %v", store.commits)
	}
}

func TestExecutionFailureIsTerminal(t *testing.T) {
	doc := `# Crash
## Phase A: One
- [ ] A.1 crashes
  - Action: EXECUTE
  - Run: exit 9
  - Verify: true
`
	d, p, _ := newTestDriver(t, doc, Options{AutoFix: true, MaxRetries: 5})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Halt == nil || result.Halt.TaskID != "A.1" {
		t.Fatalf("Halt = %+v, want halt at A.1", result.Halt)
	}

	a1, _ := p.Task(plan.TaskID{Phase: "A", Number: 1})
	if a1.Status != plan.StatusFailedTerminal {
		t.Errorf("A.1 status = %s, want failed_terminal; effect failures have no retry path", a1.Status)
	}
}

func TestAutoFixRetries(t *testing.T) {
	doc := `# Fixable
## Phase A: One
- [ ] A.1 needs a fix
  - Action: EXECUTE
  - Run: true
  - Verify: test -f fixed.marker
`
	d, p, _ := newTestDriver(t, doc, Options{AutoFix: true, MaxRetries: 2})

	dir := d.executor.Root
	fix := &countingFix{onCall: func(attempt int) {
		writeTestFile(t, dir, "fixed.marker", "ok")
	}}
	d.SetFixStrategy(fix)

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Halt != nil {
		t.Fatalf("Run() halted: %+v", result.Halt)
	}

	a1, _ := p.Task(plan.TaskID{Phase: "A", Number: 1})
	if a1.Status != plan.StatusCompleted {
		t.Errorf("A.1 status = %s, want completed after fix", a1.Status)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].Attempts != 2 {
		t.Errorf("attempts = %+v, want 2", result.Outcomes)
	}
}

func TestAutoFixExhaustsRetries(t *testing.T) {
	doc := `# Unfixable
## Phase A: One
- [ ] A.1 never passes
  - Action: EXECUTE
  - Run: true
  - Verify: false
`
	d, p, _ := newTestDriver(t, doc, Options{AutoFix: true, MaxRetries: 2})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Halt == nil {
		t.Fatal("Run() should halt")
	}

	a1, _ := p.Task(plan.TaskID{Phase: "A", Number: 1})
	if a1.Status != plan.StatusFailedTerminal {
		t.Errorf("A.1 status = %s, want failed_terminal", a1.Status)
	}
	// max-retries 2 means three verification attempts in total.
	if result.Outcomes[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Outcomes[0].Attempts)
	}
}

func TestNoAutoFixMeansSingleAttempt(t *testing.T) {
	doc := `# Single
## Phase A: One
- [ ] A.1 fails once
  - Action: EXECUTE
  - Run: true
  - Verify: false
`
	d, _, _ := newTestDriver(t, doc, Options{MaxRetries: 5})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Outcomes[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1 without --auto-fix", result.Outcomes[0].Attempts)
	}
}

func TestStepExecutesExactlyOne(t *testing.T) {
	d, p, store := newTestDriver(t, chainDoc, Options{})

	result, err := d.Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if result.Outcome == nil || result.Outcome.TaskID != "A.1" {
		t.Fatalf("Step() outcome = %+v, want A.1", result.Outcome)
	}
	if len(store.commits) != 1 {
		t.Errorf("commits = %v, want exactly one", store.commits)
	}

	a2, _ := p.Task(plan.TaskID{Phase: "A", Number: 2})
	if a2.Status != plan.StatusPending {
		t.Errorf("A.2 status = %s, step should not run it", a2.Status)
	}

	// The next step picks the next runnable id.
	result, err = d.Step(context.Background())
	if err != nil {
		t.Fatalf("second Step() error = %v", err)
	}
	if result.Outcome == nil || result.Outcome.TaskID != "A.2" {
		t.Errorf("second step = %+v, want A.2", result.Outcome)
	}
}

func TestStepDryRun(t *testing.T) {
	d, p, _ := newTestDriver(t, chainDoc, Options{DryRun: true})

	result, err := d.Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if result.WouldRun == nil || result.WouldRun.ID.String() != "A.1" {
		t.Fatalf("WouldRun = %+v, want A.1", result.WouldRun)
	}
	a1, _ := p.Task(plan.TaskID{Phase: "A", Number: 1})
	if a1.Status != plan.StatusPending {
		t.Errorf("dry-run step changed A.1 to %s", a1.Status)
	}
}

func TestResumeFromDocumentState(t *testing.T) {
	// A.1 is already checkpointed as completed in the document.
	doc := `# Resume
## Phase A: One
- [x] A.1 already done
  - Action: EXECUTE
  - Run: true
  - Verify: true
- [ ] A.2 still pending
  - Action: EXECUTE
  - Run: true
  - Verify: true
  - Depends on: A.1
`
	d, _, store := newTestDriver(t, doc, Options{})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].TaskID != "A.2" {
		t.Errorf("outcomes = %+v, want only A.2", result.Outcomes)
	}
	if len(store.commits) != 1 || store.commits[0] != "A.2:completed" {
		t.Errorf("commits = %v, want [A.2:completed]", store.commits)
	}
}

func TestScopeViolationHaltsRun(t *testing.T) {
	doc := `# Escape
## Phase A: One
- [ ] A.1 escapes
  - File: ../outside.txt
  - Action: MODIFY
  - Verify: true
`
	d, p, store := newTestDriver(t, doc, Options{})

	_, err := d.Run(context.Background())
	if !IsScopeViolation(err) {
		t.Fatalf("Run() error = %v, want scope violation", err)
	}

	a1, _ := p.Task(plan.TaskID{Phase: "A", Number: 1})
	if a1.Status != plan.StatusPending {
		t.Errorf("A.1 status = %s; a scope violation applies nothing", a1.Status)
	}
	if len(store.commits) != 0 {
		t.Errorf("commits = %v, want none", store.commits)
	}
}

func TestCommitFailureReverts(t *testing.T) {
	doc := `# Commit
## Phase A: One
- [ ] A.1 passes
  - Action: EXECUTE
  - Run: true
  - Verify: true
`
	d, p, store := newTestDriver(t, doc, Options{})
	store.fail = true

	_, err := d.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when the checkpoint cannot be written")
	}

	a1, _ := p.Task(plan.TaskID{Phase: "A", Number: 1})
	if a1.Status != plan.StatusPending {
		t.Errorf("A.1 status = %s, want pending after commit failure", a1.Status)
	}
}

func TestParallelRunDisjointTargets(t *testing.T) {
	doc := `# Parallel
## Phase A: One
- [ ] A.1 first target
  - File: a.txt
  - Action: CREATE
  - Verify: test -f a.txt
- [ ] A.2 second target
  - File: b.txt
  - Action: CREATE
  - Verify: test -f b.txt
`
	d, p, store := newTestDriver(t, doc, Options{Parallel: true, Workers: 2})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Completed() != 2 {
		t.Fatalf("completed = %d, want 2", result.Completed())
	}

	for _, task := range p.Tasks() {
		if task.Status != plan.StatusCompleted {
			t.Errorf("%s status = %s", task.ID, task.Status)
		}
	}
	// Commits are serialized ascending regardless of completion order.
	if len(store.commits) != 2 || store.commits[0] != "A.1:completed" || store.commits[1] != "A.2:completed" {
		t.Errorf("commits = %v, want ascending order", store.commits)
	}
}

func TestSelectDisjoint(t *testing.T) {
	mk := func(id string, targets ...string) *plan.Task {
		tid, _ := plan.ParseTaskID(id)
		return &plan.Task{ID: tid, Targets: targets}
	}

	t.Run("overlapping targets conflict", func(t *testing.T) {
		frontier := []*plan.Task{
			mk("A.1", "a.txt"),
			mk("A.2", "a.txt", "b.txt"),
			mk("A.3", "c.txt"),
		}
		round := selectDisjoint(frontier, 4)
		if got := ids(round); len(got) != 2 || got[0] != "A.1" || got[1] != "A.3" {
			t.Errorf("round = %v, want [A.1 A.3]", got)
		}
	})

	t.Run("worker cap", func(t *testing.T) {
		frontier := []*plan.Task{
			mk("A.1", "a.txt"),
			mk("A.2", "b.txt"),
			mk("A.3", "c.txt"),
		}
		round := selectDisjoint(frontier, 2)
		if len(round) != 2 {
			t.Errorf("round size = %d, want 2", len(round))
		}
	})

	t.Run("task without targets runs alone", func(t *testing.T) {
		frontier := []*plan.Task{
			mk("A.1"),
			mk("A.2", "b.txt"),
		}
		round := selectDisjoint(frontier, 4)
		if got := ids(round); len(got) != 1 || got[0] != "A.1" {
			t.Errorf("round = %v, want [A.1] alone", got)
		}
	})
}

func TestRunContinuesUnrelatedBranches(t *testing.T) {
	doc := `# Branches
## Phase A: Work
- [ ] A.1 fails
  - Action: EXECUTE
  - Run: true
  - Verify: exit 1
- [ ] A.2 depends on the failure
  - Action: EXECUTE
  - Run: true
  - Verify: true
  - Depends on: A.1
- [ ] A.3 unrelated
  - Action: EXECUTE
  - Run: true
  - Verify: true
`
	d, p, store := newTestDriver(t, doc, Options{})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Halt == nil || result.Halt.TaskID != "A.1" {
		t.Fatalf("Halt = %+v, want halt report for A.1", result.Halt)
	}
	if len(result.Halt.Blocked) != 1 || result.Halt.Blocked[0] != "A.2" {
		t.Errorf("Halt.Blocked = %v, want [A.2]", result.Halt.Blocked)
	}

	a2, _ := p.Task(plan.TaskID{Phase: "A", Number: 2})
	if a2.Status != plan.StatusPending {
		t.Errorf("A.2 status = %s, want pending", a2.Status)
	}
	a3, _ := p.Task(plan.TaskID{Phase: "A", Number: 3})
	if a3.Status != plan.StatusCompleted {
		t.Errorf("unrelated task A.3 status = %s, want completed", a3.Status)
	}

	want := []string{"A.1:failed_terminal", "A.3:completed"}
	if len(store.commits) != 2 || store.commits[0] != want[0] || store.commits[1] != want[1] {
		t.Errorf("commits = %v, want %v", store.commits, want)
	}
}

func TestCancelledVerificationStaysResumable(t *testing.T) {
	doc := `# Cancel
## Phase A: One
- [ ] A.1 slow verify
  - Action: EXECUTE
  - Run: true
  - Verify: sleep 5
`
	d, p, store := newTestDriver(t, doc, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(200*time.Millisecond, cancel)
	defer timer.Stop()

	_, err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	a1, _ := p.Task(plan.TaskID{Phase: "A", Number: 1})
	if a1.Status != plan.StatusFailed {
		t.Errorf("A.1 status = %s, want failed", a1.Status)
	}
	if len(store.commits) != 0 {
		t.Errorf("cancellation committed %v, want nothing durable", store.commits)
	}
}

func TestSnapshotFailureKeepsEffectForInspection(t *testing.T) {
	doc := `# Snap
## Phase A: One
- [ ] A.1 writes a file
  - File: out.txt
  - Action: CREATE
  - Verify: test -f out.txt
`
	store := &memStore{}
	d, p := newTestDriverWith(t, doc, Options{}, store)
	d.SetSnapshotStore(failingSnapshotStore{})

	_, err := d.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should halt when snapshots cannot be persisted")
	}
	var e *Error
	if !errors.As(err, &e) || e.Class != ErrorClassInternal {
		t.Fatalf("Run() error = %v, want internal error", err)
	}

	a1, _ := p.Task(plan.TaskID{Phase: "A", Number: 1})
	if a1.Status != plan.StatusFailed {
		t.Errorf("A.1 status = %s, want failed so a human inspects before re-running", a1.Status)
	}
	if len(store.commits) != 0 {
		t.Errorf("commits = %v, want none", store.commits)
	}
}

func TestTerminalStatusFollowsCommit(t *testing.T) {
	passDoc := `# Pass
## Phase A: One
- [ ] A.1 passes
  - Action: EXECUTE
  - Run: true
  - Verify: true
`
	store := &statusAtCommit{}
	d, p := newTestDriverWith(t, passDoc, Options{}, store)
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(store.seen) != 1 || store.seen[0] != plan.StatusVerifying {
		t.Errorf("status at commit = %v, want [verifying]", store.seen)
	}
	a1, _ := p.Task(plan.TaskID{Phase: "A", Number: 1})
	if a1.Status != plan.StatusCompleted {
		t.Errorf("A.1 status = %s, want completed after the commit", a1.Status)
	}

	failDoc := `# Fail
## Phase A: One
- [ ] A.1 fails
  - Action: EXECUTE
  - Run: true
  - Verify: exit 1
`
	store = &statusAtCommit{}
	d, p = newTestDriverWith(t, failDoc, Options{}, store)
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(store.seen) != 1 || store.seen[0] != plan.StatusFailed {
		t.Errorf("status at commit = %v, want [failed]", store.seen)
	}
	a1, _ = p.Task(plan.TaskID{Phase: "A", Number: 1})
	if a1.Status != plan.StatusFailedTerminal {
		t.Errorf("A.1 status = %s, want failed_terminal after the commit", a1.Status)
	}
}

func TestAdvanceEnforcesLifecycle(t *testing.T) {
	task := &plan.Task{ID: plan.TaskID{Phase: "A", Number: 1}, Status: plan.StatusPending}

	err := advance(task, plan.StatusCompleted)
	if err == nil {
		t.Fatal("advance(pending, completed) should be rejected")
	}
	var e *Error
	if !errors.As(err, &e) || e.Class != ErrorClassInternal {
		t.Fatalf("advance() error = %v, want internal error", err)
	}
	if task.Status != plan.StatusPending {
		t.Errorf("rejected advance changed status to %s", task.Status)
	}

	for _, next := range []plan.Status{
		plan.StatusReady, plan.StatusInProgress, plan.StatusVerifying, plan.StatusCompleted,
	} {
		if err := advance(task, next); err != nil {
			t.Fatalf("advance(%s, %s) error = %v", task.Status, next, err)
		}
	}
}

package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/planrun/planrun/pkg/engine"
	"github.com/planrun/planrun/pkg/plan"
	"github.com/planrun/planrun/pkg/telemetry"
)

// Store commits durable task statuses by rewriting the plan document
// atomically. The document is the checkpoint: a reader mid-run always sees
// either the previous or the new status vector, never a torn write.
//
// A single Store instance is the only writer for its document; commits are
// serialized behind a mutex.
type Store struct {
	mu      sync.Mutex
	path    string
	journal *Journal
	runID   string
	log     *telemetry.Logger
}

// NewStore creates a checkpoint store for the document at path. The journal
// may be nil; history and snapshots are then not recorded.
func NewStore(path string, journal *Journal, logger *telemetry.Logger) *Store {
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.DefaultConfig().Logging)
	}
	return &Store{
		path:    path,
		journal: journal,
		log:     logger.NewComponentLogger("checkpoint"),
	}
}

// SetRunID tags subsequent journal records with the run.
func (s *Store) SetRunID(runID string) {
	s.mu.Lock()
	s.runID = runID
	s.mu.Unlock()
}

// Journal returns the store's journal, if any.
func (s *Store) Journal() *Journal { return s.journal }

// Commit records a durable status for one task and rewrites the document.
// Only terminal statuses and a reset back to pending are durable; transient
// states never reach disk. On any error the in-memory status is reverted and
// the document on disk is unchanged.
func (s *Store) Commit(ctx context.Context, p *plan.Plan, taskID plan.TaskID, status plan.Status, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !status.IsTerminal() && status != plan.StatusPending {
		return engine.NewInternalError(
			fmt.Sprintf("status %s is not durable", status), nil).WithTask(taskID.String())
	}

	task, ok := p.Task(taskID)
	if !ok {
		return engine.NewInternalError(
			fmt.Sprintf("unknown task %s", taskID), nil).WithTask(taskID.String())
	}

	prev := task.Status
	task.Status = status

	if err := s.writeDocument(p); err != nil {
		task.Status = prev
		return engine.NewInternalError("writing plan document", err).WithTask(taskID.String())
	}

	if s.journal != nil {
		if err := s.journal.RecordCheckpoint(ctx, s.runID, taskID, status, attempts); err != nil {
			// The document is authoritative; a journal miss loses history,
			// not correctness.
			s.log.WithError(err).WithTaskID(taskID.String()).Warn("journal write failed")
		}
	}

	s.log.WithTaskID(taskID.String()).
		WithField("status", string(status)).
		Debug("checkpoint committed")
	return nil
}

// ResetPhase rewrites the document after a rollback reset the phase's task
// statuses in memory.
func (s *Store) ResetPhase(ctx context.Context, p *plan.Plan, phaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeDocument(p); err != nil {
		return engine.NewInternalError("writing plan document", err).WithPhase(phaseID)
	}
	if s.journal != nil {
		if err := s.journal.PurgePhase(ctx, p.ID, phaseID); err != nil {
			s.log.WithError(err).WithPhase(phaseID).Warn("purging phase snapshots failed")
		}
	}
	return nil
}

// writeDocument serializes the plan and replaces the document atomically:
// write to a temp file in the same directory, then rename over the original.
func (s *Store) writeDocument(p *plan.Plan) error {
	data := p.Serialize()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".plan-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if info, err := os.Stat(s.path); err == nil {
		_ = os.Chmod(tmpPath, info.Mode().Perm())
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replacing document: %w", err)
	}
	return nil
}

// Resume reloads the document from disk and returns the freshly parsed
// plan. In-memory state from a previous process is discarded; the document
// is the checkpoint.
func Resume(path string) (*plan.Plan, error) {
	return plan.ParseFile(path)
}

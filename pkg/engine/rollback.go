package engine

import (
	"context"
	"fmt"

	"github.com/planrun/planrun/pkg/plan"
	"github.com/planrun/planrun/pkg/telemetry"
)

// PhaseResetter resets the durable statuses of a phase's tasks back to
// pending and rewrites the document.
type PhaseResetter interface {
	ResetPhase(ctx context.Context, p *plan.Plan, phaseID string) error
}

// RollbackManager restores a phase's file targets from recorded snapshots
// and resets the phase's statuses so it can run again.
type RollbackManager struct {
	snapshots SnapshotStore
	resetter  PhaseResetter
	metrics   *telemetry.Metrics
	log       *telemetry.Logger
}

// NewRollbackManager wires a rollback manager.
func NewRollbackManager(snapshots SnapshotStore, resetter PhaseResetter,
	logger *telemetry.Logger, metrics *telemetry.Metrics) *RollbackManager {

	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.DefaultConfig().Logging)
	}
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	return &RollbackManager{
		snapshots: snapshots,
		resetter:  resetter,
		log:       logger.NewComponentLogger("rollback"),
		metrics:   metrics,
	}
}

// Rollback restores every recorded snapshot for the phase, newest first, and
// resets the phase's task statuses to pending. Tasks already COMPLETED in
// the phase lose that status; their effects are being undone.
func (m *RollbackManager) Rollback(ctx context.Context, p *plan.Plan, phaseID string) error {
	phase, ok := p.Phase(phaseID)
	if !ok {
		return NewParseError(fmt.Sprintf("unknown phase %q", phaseID), nil).WithPhase(phaseID)
	}

	log := m.log.WithPlanID(p.ID).WithPhase(phaseID)

	snaps, err := m.snapshots.PhaseSnapshots(ctx, p.ID, phaseID)
	if err != nil {
		return NewInternalError("loading phase snapshots", err).WithPhase(phaseID)
	}

	log.WithField("snapshots", len(snaps)).Info("restoring phase targets")
	for i := range snaps {
		if err := snaps[i].Restore(); err != nil {
			return NewExecutionError(
				fmt.Sprintf("restoring %s", snaps[i].Path), err).WithPhase(phaseID)
		}
	}

	for _, t := range phase.Tasks {
		switch t.Status {
		case plan.StatusCompleted, plan.StatusFailedTerminal:
			t.Status = plan.StatusPending
		}
	}

	if err := m.resetter.ResetPhase(ctx, p, phaseID); err != nil {
		return NewInternalError("resetting phase statuses", err).WithPhase(phaseID)
	}

	m.metrics.RecordRollback(phaseID)
	log.Info("phase rolled back")
	return nil
}

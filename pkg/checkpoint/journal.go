package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/planrun/planrun/pkg/engine"
	"github.com/planrun/planrun/pkg/plan"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal records run history, checkpoint events, and pre-effect snapshots
// in SQLite. The plan document stays the source of truth for task statuses;
// the journal adds history and rollback material the document cannot carry.
type Journal struct {
	db     *sql.DB
	path   string
	planID string

	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

// JournalConfig holds journal configuration.
type JournalConfig struct {
	// Path is the SQLite database file.
	Path string

	// PlanID scopes every record written through this journal.
	PlanID string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewJournal creates a journal instance. Call Init before use.
func NewJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if cfg.PlanID == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	j := &Journal{
		path:            cfg.Path,
		planID:          cfg.PlanID,
		maxOpenConns:    cfg.MaxOpenConns,
		maxIdleConns:    cfg.MaxIdleConns,
		connMaxLifetime: cfg.ConnMaxLifetime,
	}
	if j.maxOpenConns <= 0 {
		j.maxOpenConns = 25
	}
	if j.maxIdleConns <= 0 {
		j.maxIdleConns = 5
	}
	if j.connMaxLifetime <= 0 {
		j.connMaxLifetime = 5 * time.Minute
	}
	return j, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (j *Journal) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", j.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open journal database: %w", err)
	}

	db.SetMaxOpenConns(j.maxOpenConns)
	db.SetMaxIdleConns(j.maxIdleConns)
	db.SetConnMaxLifetime(j.connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping journal database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	j.db = db
	return j.migrate()
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordRunStart inserts a run row stamped with the working tree's git
// revision, when one is known.
func (j *Journal) RecordRunStart(ctx context.Context, runID, gitRev string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, plan_id, git_rev, status) VALUES (?, ?, ?, 'running')`,
		runID, j.planID, gitRev)
	return err
}

// RecordRunFinish marks a run finished with its final status.
func (j *Journal) RecordRunFinish(ctx context.Context, runID, status string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, runID)
	return err
}

// RecordCheckpoint inserts one checkpoint event.
func (j *Journal) RecordCheckpoint(ctx context.Context, runID string, taskID plan.TaskID, status plan.Status, attempts int) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, plan_id, task_id, status, attempts) VALUES (?, ?, ?, ?, ?)`,
		runID, j.planID, taskID.String(), string(status), attempts)
	return err
}

// SaveSnapshots stores the pre-effect snapshots of one task.
func (j *Journal) SaveSnapshots(ctx context.Context, runID string, taskID plan.TaskID, snaps []engine.Snapshot) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, s := range snaps {
		existed := 0
		if s.Existed {
			existed = 1
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (run_id, plan_id, phase_id, task_id, path, existed, content, mode)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, j.planID, taskID.Phase, taskID.String(), s.Path, existed, s.Content, uint32(s.Mode))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PhaseSnapshots returns every snapshot recorded for a phase, newest first,
// so restoring in order undoes effects in reverse.
func (j *Journal) PhaseSnapshots(ctx context.Context, planID, phaseID string) ([]engine.Snapshot, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT path, existed, content, mode FROM snapshots
		 WHERE plan_id = ? AND phase_id = ? ORDER BY id DESC`,
		planID, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []engine.Snapshot
	for rows.Next() {
		var (
			s       engine.Snapshot
			existed int
			mode    uint32
		)
		if err := rows.Scan(&s.Path, &existed, &s.Content, &mode); err != nil {
			return nil, err
		}
		s.Existed = existed != 0
		s.Mode = fs.FileMode(mode)
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// PurgePhase deletes a phase's snapshots after a successful rollback.
func (j *Journal) PurgePhase(ctx context.Context, planID, phaseID string) error {
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE plan_id = ? AND phase_id = ?`,
		planID, phaseID)
	return err
}

// CheckpointRecord is one row of checkpoint history.
type CheckpointRecord struct {
	RunID     string
	TaskID    string
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// History returns the most recent checkpoint events for the plan, newest
// first, up to limit.
func (j *Journal) History(ctx context.Context, limit int) ([]CheckpointRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT run_id, task_id, status, attempts, created_at FROM checkpoints
		 WHERE plan_id = ? ORDER BY id DESC LIMIT ?`,
		j.planID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CheckpointRecord
	for rows.Next() {
		var r CheckpointRecord
		if err := rows.Scan(&r.RunID, &r.TaskID, &r.Status, &r.Attempts, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/planrun/planrun/pkg/checkpoint"
	"github.com/planrun/planrun/pkg/config"
	"github.com/planrun/planrun/pkg/engine"
	"github.com/planrun/planrun/pkg/plan"
	"github.com/planrun/planrun/pkg/telemetry"
)

// runtime bundles everything a command needs to operate on one plan.
type runtime struct {
	planPath string
	cfg      *config.Config
	plan     *plan.Plan
	graph    *engine.Graph

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	journal *checkpoint.Journal
	store   *checkpoint.Store
	lock    *checkpoint.Lock
}

// loadRuntime parses the plan, validates its graph, and wires config and
// telemetry. With journal set it also opens the SQLite journal; with lock
// set it takes the plan's PID lock.
func loadRuntime(ctx context.Context, planPath string, withJournal, withLock bool) (*runtime, error) {
	abs, err := filepath.Abs(planPath)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", planPath, err)
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err == nil && cfg.Root == "" {
			cfg.Root = filepath.Dir(abs)
		}
		if err == nil && cfg.JournalPath == "" {
			cfg.JournalPath = filepath.Join(filepath.Dir(abs), ".planrun", "journal.db")
		}
	} else {
		cfg, err = config.LoadForPlan(abs)
	}
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring logging: %w", err)
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       cfg.Metrics.Enabled,
		ListenAddress: cfg.Metrics.ListenAddress,
		Path:          "/metrics",
		Namespace:     "planrun",
	})
	if err != nil {
		return nil, fmt.Errorf("configuring metrics: %w", err)
	}
	if cfg.Metrics.Enabled {
		if err := metrics.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("starting metrics server: %w", err)
		}
	}

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.Sampling,
	}, "planrun", "dev", "production")
	if err != nil {
		return nil, fmt.Errorf("configuring tracing: %w", err)
	}

	p, err := plan.ParseFile(abs)
	if err != nil {
		return nil, engine.NewParseError("parsing plan document", err)
	}

	g, err := engine.BuildGraph(p)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		planPath: abs,
		cfg:      cfg,
		plan:     p,
		graph:    g,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}

	if withLock {
		lock, err := checkpoint.AcquireLock(abs)
		if err != nil {
			return nil, err
		}
		rt.lock = lock
	}

	if withJournal {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0755); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
		journal, err := checkpoint.NewJournal(checkpoint.JournalConfig{
			Path:   cfg.JournalPath,
			PlanID: p.ID,
		})
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		if err := journal.Init(ctx); err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.journal = journal
	}

	rt.store = checkpoint.NewStore(abs, rt.journal, logger)
	return rt, nil
}

// newDriver wires a driver from the runtime and options.
func (r *runtime) newDriver(opts engine.Options) (*engine.Driver, error) {
	var applier engine.Applier
	if r.cfg.ApplyCommand != "" {
		applier = &engine.CommandApplier{
			Command: r.cfg.ApplyCommand,
			Shell:   r.cfg.Shell,
			Dir:     r.cfg.Root,
		}
	}

	executor, err := engine.NewExecutor(r.cfg.Root, applier, r.logger)
	if err != nil {
		return nil, err
	}
	gate := engine.NewGate(r.cfg.Root, opts.VerifyTimeout, r.logger)

	driver := engine.NewDriver(r.plan, executor, gate, r.store, opts, r.logger, r.metrics, r.tracer)
	if r.journal != nil {
		driver.SetSnapshotStore(r.journal)
	}
	if opts.AutoFix && r.cfg.FixCommand != "" {
		driver.SetFixStrategy(&engine.CommandFix{
			Command: r.cfg.FixCommand,
			Shell:   r.cfg.Shell,
			Dir:     r.cfg.Root,
		})
	}
	r.store.SetRunID(driver.RunID())
	return driver, nil
}

// Close releases the lock, flushes traces, and closes the journal.
func (r *runtime) Close(ctx context.Context) {
	if r.tracer != nil {
		_ = r.tracer.Shutdown(ctx)
	}
	if r.journal != nil {
		_ = r.journal.Close()
	}
	if r.lock != nil {
		_ = r.lock.Release()
	}
}

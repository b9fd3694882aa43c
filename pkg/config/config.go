// Package config loads engine configuration from a .planrun.yaml file next
// to the plan document, with validated defaults for everything it omits.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the configuration file looked up next to the plan.
const DefaultFileName = ".planrun.yaml"

// Config is the engine configuration.
type Config struct {
	// Root is the working-tree root task targets must stay within.
	// Defaults to the plan document's directory.
	Root string `yaml:"root"`

	// Shell is the interpreter for task and verification commands.
	Shell string `yaml:"shell" validate:"required"`

	// VerifyTimeout bounds each verification command run.
	VerifyTimeout time.Duration `yaml:"verify_timeout" validate:"min=0"`

	// MaxRetries bounds verification retries when auto-fix is enabled.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=10"`

	// AutoFix enables the fix command between verification attempts.
	AutoFix bool `yaml:"auto_fix"`

	// Parallel enables concurrent execution of independent tasks.
	Parallel bool `yaml:"parallel"`

	// Workers caps concurrent tasks when parallel execution is on.
	Workers int `yaml:"workers" validate:"min=1,max=64"`

	// SkippedSatisfiesDeps treats SKIPPED dependencies as satisfied.
	SkippedSatisfiesDeps bool `yaml:"skipped_satisfies_deps"`

	// ApplyCommand produces content for CREATE and MODIFY tasks. Required
	// before any plan with mutating tasks can run.
	ApplyCommand string `yaml:"apply_command"`

	// FixCommand is run between verification attempts when auto-fix is on.
	FixCommand string `yaml:"fix_command"`

	// JournalPath is the SQLite journal file. Defaults to a .planrun
	// directory next to the plan.
	JournalPath string `yaml:"journal_path"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures trace export.
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig mirrors the telemetry logging options in the file format.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"required,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"required,oneof=console json"`
	Output string `yaml:"output" validate:"required"`
}

// MetricsConfig mirrors the telemetry metrics options in the file format.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// TracingConfig mirrors the telemetry tracing options in the file format.
type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Exporter string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint string  `yaml:"endpoint"`
	Sampling float64 `yaml:"sampling" validate:"min=0,max=1"`
}

var validate = validator.New()

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Shell:         "/bin/sh",
		VerifyTimeout: 5 * time.Minute,
		MaxRetries:    2,
		Workers:       4,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "stdout",
			Sampling: 1.0,
		},
	}
}

// Load reads the configuration file at path, layered over defaults. A
// missing file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadForPlan loads the configuration next to the plan document and fills
// plan-relative defaults.
func LoadForPlan(planPath string) (*Config, error) {
	dir := filepath.Dir(planPath)

	cfg, err := Load(filepath.Join(dir, DefaultFileName))
	if err != nil {
		return nil, err
	}
	if cfg.Root == "" {
		cfg.Root = dir
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(dir, ".planrun", "journal.db")
	}
	return cfg, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Shell != "/bin/sh" {
		t.Errorf("Shell = %q, want /bin/sh", cfg.Shell)
	}
	if cfg.VerifyTimeout != 5*time.Minute {
		t.Errorf("VerifyTimeout = %s, want 5m", cfg.VerifyTimeout)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.MaxRetries)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.SkippedSatisfiesDeps {
		t.Error("SkippedSatisfiesDeps should default to false")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Errorf("Logging = %+v, want info/console", cfg.Logging)
	}
	if cfg.Metrics.Enabled || cfg.Tracing.Enabled {
		t.Error("metrics and tracing should default to disabled")
	}

	if err := validate.Struct(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Shell != "/bin/sh" || cfg.Workers != 4 {
		t.Errorf("missing file should load defaults, got %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	doc := `shell: /bin/bash
verify_timeout: 90s
max_retries: 5
parallel: true
workers: 8
skipped_satisfies_deps: true
apply_command: "gen-content.sh"
logging:
  level: debug
  format: json
  output: stdout
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Shell != "/bin/bash" {
		t.Errorf("Shell = %q, want /bin/bash", cfg.Shell)
	}
	if cfg.VerifyTimeout != 90*time.Second {
		t.Errorf("VerifyTimeout = %s, want 90s", cfg.VerifyTimeout)
	}
	if cfg.MaxRetries != 5 || !cfg.Parallel || cfg.Workers != 8 {
		t.Errorf("run options = retries %d parallel %v workers %d", cfg.MaxRetries, cfg.Parallel, cfg.Workers)
	}
	if !cfg.SkippedSatisfiesDeps {
		t.Error("SkippedSatisfiesDeps should be true")
	}
	if cfg.ApplyCommand != "gen-content.sh" {
		t.Errorf("ApplyCommand = %q", cfg.ApplyCommand)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	// Untouched fields keep their defaults.
	if cfg.Metrics.ListenAddress != ":9090" {
		t.Errorf("Metrics.ListenAddress = %q, want :9090", cfg.Metrics.ListenAddress)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad log level", "logging:\n  level: loud\n  format: console\n  output: stderr\n"},
		{"bad log format", "logging:\n  level: info\n  format: xml\n  output: stderr\n"},
		{"retries out of range", "max_retries: 99\n"},
		{"workers out of range", "workers: 0\n"},
		{"bad tracing exporter", "tracing:\n  exporter: jaeger\n"},
		{"sampling out of range", "tracing:\n  sampling: 2.5\n"},
		{"not yaml", "shell: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultFileName)
			if err := os.WriteFile(path, []byte(tc.doc), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load() should reject %s", tc.name)
			}
		})
	}
}

func TestLoadForPlanFillsRelativeDefaults(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.md")

	cfg, err := LoadForPlan(planPath)
	if err != nil {
		t.Fatalf("LoadForPlan() error = %v", err)
	}
	if cfg.Root != dir {
		t.Errorf("Root = %q, want plan directory %q", cfg.Root, dir)
	}
	if want := filepath.Join(dir, ".planrun", "journal.db"); cfg.JournalPath != want {
		t.Errorf("JournalPath = %q, want %q", cfg.JournalPath, want)
	}
}

func TestLoadForPlanKeepsExplicitPaths(t *testing.T) {
	dir := t.TempDir()
	doc := "root: /srv/tree\njournal_path: /var/lib/planrun/journal.db\n"
	if err := os.WriteFile(filepath.Join(dir, DefaultFileName), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadForPlan(filepath.Join(dir, "plan.md"))
	if err != nil {
		t.Fatalf("LoadForPlan() error = %v", err)
	}
	if cfg.Root != "/srv/tree" {
		t.Errorf("Root = %q, want /srv/tree", cfg.Root)
	}
	if cfg.JournalPath != "/var/lib/planrun/journal.db" {
		t.Errorf("JournalPath = %q", cfg.JournalPath)
	}
}

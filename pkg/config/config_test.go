package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModulesDir != "modules" || cfg.MaxAttempts != 1 {
		t.Errorf("defaults: %+v", cfg)
	}
	if cfg.RetryDelayDuration() != 500*time.Millisecond {
		t.Errorf("retry delay: %v", cfg.RetryDelayDuration())
	}
	if cfg.Persistence.Backend != "file" {
		t.Errorf("persistence: %+v", cfg.Persistence)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
modules_dir = "lib/modules"
max_attempts = 3
retry_delay = "2s"
template_depth = 5
log_level = "debug"

[persistence]
backend = "sqlite"
path = "state/globals.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModulesDir != "lib/modules" {
		t.Errorf("modules_dir: %q", cfg.ModulesDir)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("max_attempts: %d", cfg.MaxAttempts)
	}
	if cfg.RetryDelayDuration() != 2*time.Second {
		t.Errorf("retry_delay: %v", cfg.RetryDelayDuration())
	}
	if cfg.TemplateDepth != 5 {
		t.Errorf("template_depth: %d", cfg.TemplateDepth)
	}
	if cfg.Persistence.Backend != "sqlite" || cfg.Persistence.Path != "state/globals.db" {
		t.Errorf("persistence: %+v", cfg.Persistence)
	}
	// Unset keys keep defaults.
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level: %q", cfg.LogLevel)
	}
}

func TestLoad_RejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "modules_dirr = \"typo\"\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad duration", "retry_delay = \"soon\"\n"},
		{"zero attempts", "max_attempts = 0\n"},
		{"bad backend", "[persistence]\nbackend = \"tape\"\n"},
		{"redis without addr", "[persistence]\nbackend = \"redis\"\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, c.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

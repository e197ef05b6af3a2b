package config_test

import (
	"strings"
	"testing"

	"fieldline/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default("sub-a")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "sub-a" {
		t.Fatalf("project id not set: %s", cfg.Project.ID)
	}
	if cfg.Tasks.Defaults.DurationHours != 4 {
		t.Fatalf("expected duration 4, got %d", cfg.Tasks.Defaults.DurationHours)
	}
}

func TestDescribeTemplate(t *testing.T) {
	cfg := config.Default("sub-a")
	desc := cfg.Tasks.Defaults.Describe("RELAY", "Protection Relays", "Overcurrent")
	if !strings.Contains(desc, "Overcurrent") || !strings.Contains(desc, "RELAY") {
		t.Fatalf("template not filled: %s", desc)
	}
}

func TestValidateRejectsBadDefaults(t *testing.T) {
	cfg := config.Default("sub-a")
	cfg.Tasks.Defaults.Status = "done"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for status outside catalog")
	}
	cfg = config.Default("sub-a")
	cfg.Tasks.Defaults.DurationHours = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero duration")
	}
}

func TestFromYAMLRejectsMissingProject(t *testing.T) {
	_, err := config.FromYAML([]byte("tasks:\n  statuses: [pending]\n"))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

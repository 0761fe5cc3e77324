package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.StoreKind != "sqlite" {
		t.Fatalf("store kind = %q", s.StoreKind)
	}
	if s.BatchSize != 2000 || s.StepMaxRows != 5000 || s.Workers != 2 {
		t.Fatalf("defaults = %+v", s)
	}
	if s.DatadogAPIKey != "" {
		t.Fatalf("datadog enabled by default: %+v", s)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskingest.yaml")
	body := strings.Join([]string{
		"data_dir: /srv/riskingest",
		"store:",
		"  kind: postgres",
		"  dsn: postgres://ing:pw@db/riskingest",
		"ingest:",
		"  batch_size: 500",
		"workers: 4",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.DataDir != "/srv/riskingest" || s.StoreKind != "postgres" {
		t.Fatalf("file values not applied: %+v", s)
	}
	if s.BatchSize != 500 {
		t.Fatalf("batch_size = %d", s.BatchSize)
	}
	// Untouched keys keep their defaults.
	if s.StepMaxRows != 5000 {
		t.Fatalf("step_max_rows = %d", s.StepMaxRows)
	}
}

func TestLoad_MissingNamedFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("RISKINGEST_STORE_KIND", "sqlserver")
	t.Setenv("RISKINGEST_WORKERS", "8")

	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.StoreKind != "sqlserver" {
		t.Fatalf("store kind = %q", s.StoreKind)
	}
	if s.Workers != 8 {
		t.Fatalf("workers = %d", s.Workers)
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	base := Settings{
		DataDir:     "./data",
		StoreKind:   "sqlite",
		StoreDSN:    "file:x.db",
		BatchSize:   100,
		StepMaxRows: 100,
		Workers:     1,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty data dir", func(s *Settings) { s.DataDir = "" }},
		{"unknown store kind", func(s *Settings) { s.StoreKind = "oracle" }},
		{"empty dsn", func(s *Settings) { s.StoreDSN = "" }},
		{"zero batch", func(s *Settings) { s.BatchSize = 0 }},
		{"negative step budget", func(s *Settings) { s.StepMaxRows = -1 }},
		{"zero workers", func(s *Settings) { s.Workers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base
			tc.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

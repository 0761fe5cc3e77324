package main

import (
	"testing"
)

func TestRootCommand_RegistersAllSubcommands(t *testing.T) {
	root := newRootCmd()

	want := []string{
		"upload", "detect", "mapping", "ingest", "step", "cancel", "retry",
		"worker", "status", "list", "rename", "delete", "restore",
		"filters", "top", "assets", "export",
	}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestFactFilter_CollectsFilterFlags(t *testing.T) {
	root := newRootCmd()
	top, _, err := root.Find([]string{"top"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	err = top.Flags().Parse([]string{
		"--year", "2030", "--year", "2050",
		"--scenario", "ssp2",
		"--indicator", "flood_depth",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	f := factFilter()
	if len(f.Years) != 2 || f.Years[0] != 2030 || f.Years[1] != 2050 {
		t.Fatalf("years = %v", f.Years)
	}
	if len(f.Scenarios) != 1 || f.Scenarios[0] != "ssp2" {
		t.Fatalf("scenarios = %v", f.Scenarios)
	}
	if len(f.Indicators) != 1 || len(f.Themes) != 0 {
		t.Fatalf("indicators/themes = %v / %v", f.Indicators, f.Themes)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := parseMode("replace"); err != nil || m != "full_replace" {
		t.Fatalf("replace = %v, %v", m, err)
	}
	if m, err := parseMode("append"); err != nil || m != "resumable_append" {
		t.Fatalf("append = %v, %v", m, err)
	}
	if _, err := parseMode("sideways"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

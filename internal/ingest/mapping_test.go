package ingest

import "testing"

func TestMappingWithDefaults(t *testing.T) {
	t.Parallel()

	header := []string{"site_id", "Score", "value"}

	m := Mapping{AssetIDCol: "site_id"}.WithDefaults(header)
	if m.ValueCol != "Score" {
		t.Fatalf("ValueCol = %q, want Score", m.ValueCol)
	}
	if m.LabelCol != "site_id" {
		t.Fatalf("LabelCol = %q, want site_id", m.LabelCol)
	}

	// Explicit choices are never overridden.
	m = Mapping{AssetIDCol: "site_id", ValueCol: "value", LabelCol: "site_id"}.WithDefaults(header)
	if m.ValueCol != "value" {
		t.Fatalf("explicit ValueCol overridden: %q", m.ValueCol)
	}

	// No value-like column in the file: stays empty.
	m = Mapping{AssetIDCol: "site_id"}.WithDefaults([]string{"site_id", "notes"})
	if m.ValueCol != "" {
		t.Fatalf("ValueCol = %q, want empty", m.ValueCol)
	}
}

func TestMappingValidate(t *testing.T) {
	t.Parallel()

	if err := (Mapping{}).Validate(); err == nil {
		t.Fatal("expected error for missing asset identifier column")
	}
	if err := (Mapping{AssetIDCol: "id"}).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestMappingClaimed(t *testing.T) {
	t.Parallel()

	m := Mapping{AssetIDCol: "Site_ID", ValueCol: "Score"}
	claimed := m.Claimed()
	if !claimed["site_id"] || !claimed["score"] {
		t.Fatalf("claimed set wrong: %v", claimed)
	}
	if claimed["year"] {
		t.Fatalf("unclaimed column reported claimed: %v", claimed)
	}
}

func TestParseMapping_Empty(t *testing.T) {
	t.Parallel()

	m, err := ParseMapping("")
	if err != nil || m != (Mapping{}) {
		t.Fatalf("ParseMapping(\"\") = %+v, %v", m, err)
	}
	if _, err := ParseMapping("{not json"); err == nil {
		t.Fatal("expected parse error")
	}
}

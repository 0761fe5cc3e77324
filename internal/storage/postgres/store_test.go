package postgres

import (
	"strings"
	"testing"

	"riskingest/internal/storage"
)

func str(v string) *string { return &v }
func i64(v int64) *int64   { return &v }
func f64(v float64) *float64 {
	return &v
}

func TestBuildJobUpdateSQL_PlaceholdersAndArgsMatch(t *testing.T) {
	t.Parallel()

	u := storage.JobUpdate{
		Status:        str("PROCESSING"),
		Stage:         str("ingesting"),
		ProcessedRows: i64(4000),
	}
	q, args := buildJobUpdateSQL("ds1", u)

	want := `UPDATE ingest_jobs SET status = $1, stage = $2, processed_rows = $3, updated_at = NOW() WHERE dataset_id = $4`
	if q != want {
		t.Fatalf("query mismatch:\n got: %s\nwant: %s", q, want)
	}
	if len(args) != 4 {
		t.Fatalf("expected 4 args, got %d: %v", len(args), args)
	}
	if args[0] != "PROCESSING" || args[2] != int64(4000) || args[3] != "ds1" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildJobUpdateSQL_ClearErrorWinsOverError(t *testing.T) {
	t.Parallel()

	q, args := buildJobUpdateSQL("ds1", storage.JobUpdate{Error: str("stale"), ClearError: true})

	if !strings.Contains(q, "error = NULL") {
		t.Fatalf("expected error = NULL, got: %s", q)
	}
	if strings.Contains(q, "error = $") {
		t.Fatalf("error placeholder must not appear with ClearError: %s", q)
	}
	// Only the trailing dataset_id arg.
	if len(args) != 1 || args[0] != "ds1" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildJobUpdateSQL_EmptyUpdateStillTouchesTimestamp(t *testing.T) {
	t.Parallel()

	q, args := buildJobUpdateSQL("ds1", storage.JobUpdate{})
	want := `UPDATE ingest_jobs SET updated_at = NOW() WHERE dataset_id = $1`
	if q != want {
		t.Fatalf("query mismatch:\n got: %s\nwant: %s", q, want)
	}
	if len(args) != 1 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildFactInsertSQL_NumbersPlaceholdersAcrossRows(t *testing.T) {
	t.Parallel()

	facts := []storage.Fact{
		{DatasetID: "ds1", AssetID: "a1", Value: f64(0.5), Extra: map[string]string{"k": "v"}},
		{DatasetID: "ds1", AssetID: "a2"},
	}
	q, args, err := buildFactInsertSQL(facts)
	if err != nil {
		t.Fatalf("buildFactInsertSQL: %v", err)
	}

	if !strings.HasPrefix(q, "INSERT INTO facts (dataset_id, asset_id,") {
		t.Fatalf("unexpected prefix: %s", q)
	}
	// Two rows of eleven columns: placeholders run $1..$22 with no gaps.
	if !strings.Contains(q, "$11), ($12,") {
		t.Fatalf("second row does not continue numbering: %s", q)
	}
	if !strings.Contains(q, "$22)") || strings.Contains(q, "$23") {
		t.Fatalf("placeholder range wrong: %s", q)
	}
	if len(args) != 22 {
		t.Fatalf("expected 22 args, got %d", len(args))
	}

	// Extra map serializes to JSON text; absent map becomes NULL (nil arg).
	if s, ok := args[10].(string); !ok || !strings.Contains(s, `"k":"v"`) {
		t.Fatalf("extra_json arg wrong: %v", args[10])
	}
	if args[21] != nil {
		t.Fatalf("empty extra should be nil, got %v", args[21])
	}
}

func TestFactInsertChunkStaysWithinProtocolLimit(t *testing.T) {
	t.Parallel()

	// The extended query protocol caps a statement at 65535 bind
	// parameters; each fact binds eleven.
	if n := factInsertChunk * 11; n > 65535 {
		t.Fatalf("chunk of %d facts binds %d parameters, over the 65535 cap", factInsertChunk, n)
	}
}

func TestBuildFactWhere_FilterPlaceholders(t *testing.T) {
	t.Parallel()

	where, args, next := buildFactWhere("ds1", storage.FactFilter{
		AssetIDs:  []string{"a1", "a2"},
		Years:     []int64{2030},
		Scenarios: []string{"ssp245"},
	})

	want := `dataset_id = $1 AND asset_id IN ($2, $3) AND year IN ($4) AND scenario IN ($5)`
	if where != want {
		t.Fatalf("where mismatch:\n got: %s\nwant: %s", where, want)
	}
	if len(args) != 5 {
		t.Fatalf("expected 5 args, got %d: %v", len(args), args)
	}
	if next != 6 {
		t.Fatalf("next placeholder = %d, want 6", next)
	}
}

func TestBuildFactWhere_NoFilter(t *testing.T) {
	t.Parallel()

	where, args, next := buildFactWhere("ds1", storage.FactFilter{})
	if where != "dataset_id = $1" || len(args) != 1 || next != 2 {
		t.Fatalf("unexpected: where=%q args=%v next=%d", where, args, next)
	}
}

func TestDimensionColumn_RejectsUnknown(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"year", "scenario", "theme", "indicator"} {
		if _, err := dimensionColumn(ok); err != nil {
			t.Fatalf("dimensionColumn(%q): %v", ok, err)
		}
	}
	if _, err := dimensionColumn("value; DROP TABLE facts"); err == nil {
		t.Fatal("expected error for unknown dimension")
	}
}

package analytics

import (
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"riskingest/internal/storage"
	"riskingest/internal/storage/sqlite"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	ctx := context.Background()
	st, err := sqlite.New(ctx, storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	err = st.CreateDataset(ctx, storage.Dataset{
		ID: "ds1", Name: "flood", Status: storage.DatasetReady,
		SourceFilename: "flood.csv", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	return &Service{Store: st}
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }
func str(v string) *string   { return &v }

func seedFacts(t *testing.T, s *Service) {
	t.Helper()

	facts := []storage.Fact{
		{DatasetID: "ds1", AssetID: "a1", Year: i64(2030), Scenario: str("ssp2"), Value: f64(0.4), Latitude: f64(1), Longitude: f64(2)},
		{DatasetID: "ds1", AssetID: "a1", Year: i64(2050), Scenario: str("ssp5"), Value: f64(0.9)},
		{DatasetID: "ds1", AssetID: "a2", Year: i64(2030), Scenario: str("ssp2"), Value: f64(0.7)},
		{DatasetID: "ds1", AssetID: "a3", Year: i64(2030), Scenario: str("ssp2"), Value: nil},
	}
	assets := []storage.Asset{
		{DatasetID: "ds1", AssetID: "a1", Label: "plant one", Latitude: f64(1), Longitude: f64(2)},
		{DatasetID: "ds1", AssetID: "a2", Label: "plant two"},
		{DatasetID: "ds1", AssetID: "a3", Label: "warehouse"},
	}
	err := s.Store.CommitFactBatch(context.Background(), "ds1", assets, facts, int64(len(facts)))
	if err != nil {
		t.Fatalf("CommitFactBatch: %v", err)
	}
}

func TestFilterOptions(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	seedFacts(t, s)

	f, err := s.FilterOptions(context.Background(), "ds1")
	if err != nil {
		t.Fatalf("FilterOptions: %v", err)
	}
	if len(f.Years) != 2 || f.Years[0] != "2030" {
		t.Fatalf("years = %v", f.Years)
	}
	if len(f.Scenarios) != 2 {
		t.Fatalf("scenarios = %v", f.Scenarios)
	}
	// Dimensions no fact carries come back empty, not as an error.
	if len(f.Themes) != 0 || len(f.Indicators) != 0 {
		t.Fatalf("themes/indicators = %v / %v", f.Themes, f.Indicators)
	}
}

func TestFilterOptions_UnknownDataset(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	_, err := s.FilterOptions(context.Background(), "nope")
	if !errors.Is(err, storage.ErrDatasetNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestTopAssets_DefaultNAndFilter(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	seedFacts(t, s)
	ctx := context.Background()

	top, err := s.TopAssets(ctx, "ds1", storage.FactFilter{}, 0)
	if err != nil {
		t.Fatalf("TopAssets: %v", err)
	}
	// a3 has only a NULL value and must not be ranked.
	if len(top) != 2 || top[0].AssetID != "a1" || top[0].Score != 0.9 {
		t.Fatalf("top = %+v", top)
	}

	top, err = s.TopAssets(ctx, "ds1", storage.FactFilter{Years: []int64{2030}}, 1)
	if err != nil {
		t.Fatalf("TopAssets filtered: %v", err)
	}
	if len(top) != 1 || top[0].AssetID != "a2" {
		t.Fatalf("filtered top = %+v", top)
	}
}

func TestAssets_SubstringSearch(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	seedFacts(t, s)

	got, err := s.Assets(context.Background(), "ds1", "plant", 10)
	if err != nil {
		t.Fatalf("Assets: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("assets = %+v", got)
	}
}

func TestExportCSV(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	seedFacts(t, s)

	var buf strings.Builder
	n, err := s.ExportCSV(context.Background(), &buf, "ds1", storage.FactFilter{Years: []int64{2030}})
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if n != 3 {
		t.Fatalf("rows written = %d", n)
	}

	recs, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse export: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0][0] != "asset_id" || recs[0][7] != "value" {
		t.Fatalf("header = %v", recs[0])
	}
	// NULLs export as empty cells.
	var sawEmptyValue bool
	for _, r := range recs[1:] {
		if r[7] == "" {
			sawEmptyValue = true
		}
	}
	if !sawEmptyValue {
		t.Fatal("expected an empty value cell for the NULL-valued fact")
	}
}

func TestExportCSV_UnknownDataset(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	var buf strings.Builder
	_, err := s.ExportCSV(context.Background(), &buf, "nope", storage.FactFilter{})
	if !errors.Is(err, storage.ErrDatasetNotFound) {
		t.Fatalf("err = %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("wrote output for unknown dataset: %q", buf.String())
	}
}

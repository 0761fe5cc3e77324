// Package analytics is the read side: filterable fact queries, asset
// rankings, filter option discovery, and CSV export.
package analytics

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"riskingest/internal/storage"
)

const (
	// DefaultTopN is the ranking size when the caller does not choose one.
	DefaultTopN = 10

	// exportPageSize bounds one page of the export scan.
	exportPageSize = 1000
)

type Service struct {
	Store storage.Store
}

// Filters lists the distinct values available per queryable dimension,
// for building filter UIs without scanning facts client-side.
type Filters struct {
	Years      []string `json:"years"`
	Scenarios  []string `json:"scenarios"`
	Themes     []string `json:"themes"`
	Indicators []string `json:"indicators"`
}

// FilterOptions returns the distinct non-null values of every queryable
// dimension for one dataset.
func (s *Service) FilterOptions(ctx context.Context, datasetID string) (Filters, error) {
	if _, err := s.Store.GetDataset(ctx, datasetID); err != nil {
		return Filters{}, err
	}

	var f Filters
	for _, d := range []struct {
		name string
		dst  *[]string
	}{
		{"year", &f.Years},
		{"scenario", &f.Scenarios},
		{"theme", &f.Themes},
		{"indicator", &f.Indicators},
	} {
		vals, err := s.Store.DistinctDimension(ctx, datasetID, d.name)
		if err != nil {
			return Filters{}, fmt.Errorf("distinct %s: %w", d.name, err)
		}
		*d.dst = vals
	}
	return f, nil
}

// Facts returns one page of matching facts.
func (s *Service) Facts(ctx context.Context, datasetID string, f storage.FactFilter, limit, offset int) ([]storage.Fact, error) {
	return s.Store.QueryFacts(ctx, datasetID, f, limit, offset)
}

// TopAssets ranks assets by their maximum fact value under the filter.
// n <= 0 means DefaultTopN.
func (s *Service) TopAssets(ctx context.Context, datasetID string, f storage.FactFilter, n int) ([]storage.TopAsset, error) {
	if n <= 0 {
		n = DefaultTopN
	}
	return s.Store.TopAssets(ctx, datasetID, f, n)
}

// Assets searches a dataset's assets by ID or label substring.
func (s *Service) Assets(ctx context.Context, datasetID, q string, limit int) ([]storage.Asset, error) {
	return s.Store.ListAssets(ctx, datasetID, q, limit)
}

// ExportCSV streams all facts matching the filter to w as CSV, paging
// through the store so no full result set is held in memory. Returns the
// number of data rows written.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, datasetID string, f storage.FactFilter) (int64, error) {
	if _, err := s.Store.GetDataset(ctx, datasetID); err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	header := []string{"asset_id", "latitude", "longitude", "year", "scenario", "theme", "indicator", "value", "units"}
	if err := cw.Write(header); err != nil {
		return 0, err
	}

	var written int64
	for offset := 0; ; offset += exportPageSize {
		facts, err := s.Store.QueryFacts(ctx, datasetID, f, exportPageSize, offset)
		if err != nil {
			return written, err
		}
		for _, fact := range facts {
			if err := cw.Write(factRecord(fact)); err != nil {
				return written, err
			}
			written++
		}
		if len(facts) < exportPageSize {
			break
		}
	}

	cw.Flush()
	return written, cw.Error()
}

// factRecord renders one fact as CSV cells; NULLs become empty cells.
func factRecord(f storage.Fact) []string {
	return []string{
		f.AssetID,
		floatCell(f.Latitude),
		floatCell(f.Longitude),
		intCell(f.Year),
		strCell(f.Scenario),
		strCell(f.Theme),
		strCell(f.Indicator),
		floatCell(f.Value),
		strCell(f.Units),
	}
}

func floatCell(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func intCell(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func strCell(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

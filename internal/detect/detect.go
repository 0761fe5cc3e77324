// Package detect guesses a column mapping from a tabular file's header.
//
// Detection is heuristic and read-only: it never mutates the file or any
// stored state, so re-running it is always safe. The caller (or a human)
// confirms or overrides the guess before ingestion starts.
package detect

import (
	"errors"
	"io"
	"strings"

	"github.com/spf13/afero"

	"riskingest/internal/ingest"
	"riskingest/internal/reader"
)

// SampleRows is how many data rows Inspect returns for previewing.
const SampleRows = 5

// Result is the outcome of inspecting one source file.
type Result struct {
	Columns []string       `json:"columns"`
	Sample  [][]string     `json:"sample"`
	Guess   ingest.Mapping `json:"guess"`
}

// Synonym lists per target field, in priority order. Matching runs in
// two tiers: a case-insensitive exact pass over every synonym first,
// then a substring pass for headers like "site_latitude". Within a
// tier, earlier synonyms beat later ones and earlier header columns
// break ties. All synonyms are lowercase.
var synonyms = map[string][]string{
	"asset_id":  {"asset_id", "assetid", "id", "location_id", "site_id"},
	"label":     {"label", "name", "asset_name", "site_name"},
	"lat":       {"latitude", "lat", "y"},
	"lon":       {"longitude", "lon", "lng", "x"},
	"year":      {"year"},
	"scenario":  {"scenario", "ssp", "rcp"},
	"theme":     {"theme"},
	"indicator": {"indicator", "metric", "variable"},
	"value":     {"score", "value"},
	"units":     {"units", "unit"},
}

// Columns guesses a mapping from a header alone. The returned mapping
// preserves the header's original casing.
func Columns(header []string) ingest.Mapping {
	find := func(field string) string {
		for _, syn := range synonyms[field] {
			for _, h := range header {
				if strings.EqualFold(strings.TrimSpace(h), syn) {
					return strings.TrimSpace(h)
				}
			}
		}
		// Loose tier: the synonym appears inside the header. Single-letter
		// synonyms ("y", "x") stay exact-only; as substrings they would
		// claim almost any header.
		for _, syn := range synonyms[field] {
			if len(syn) < 2 {
				continue
			}
			for _, h := range header {
				if strings.Contains(strings.ToLower(strings.TrimSpace(h)), syn) {
					return strings.TrimSpace(h)
				}
			}
		}
		return ""
	}

	return ingest.Mapping{
		AssetIDCol:   find("asset_id"),
		LabelCol:     find("label"),
		LatCol:       find("lat"),
		LonCol:       find("lon"),
		YearCol:      find("year"),
		ScenarioCol:  find("scenario"),
		ThemeCol:     find("theme"),
		IndicatorCol: find("indicator"),
		ValueCol:     find("value"),
		UnitsCol:     find("units"),
	}
}

// Inspect opens the file, reads the header plus a small sample, and
// returns the detected mapping. Works for any format reader.Open accepts.
func Inspect(fsys afero.Fs, path string) (Result, error) {
	r, err := reader.Open(fsys, path)
	if err != nil {
		return Result{}, err
	}
	defer r.Close()

	res := Result{Columns: r.Header()}
	for len(res.Sample) < SampleRows {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, err
		}
		res.Sample = append(res.Sample, row)
	}
	res.Guess = Columns(res.Columns)
	return res, nil
}

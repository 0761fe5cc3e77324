package ingest

import (
	"strconv"
	"strings"

	"riskingest/internal/storage"
)

// rowPlan is a mapping compiled against one concrete header: every bound
// column resolved to an integer index so the per-row hot path does no map
// lookups or case folding.
type rowPlan struct {
	datasetID string
	header    []string

	assetID   int
	label     int
	lat       int
	lon       int
	year      int
	scenario  int
	theme     int
	indicator int
	value     int
	units     int

	// extras are header indices not claimed by the mapping; their values
	// ride along in each fact's open attribute map.
	extras []int
}

// compilePlan resolves mapping column names against the header,
// case-insensitively. Unresolvable names compile to -1 (absent), matching
// the "column not present" behavior of an empty mapping field.
func compilePlan(datasetID string, header []string, m Mapping) rowPlan {
	find := func(name string) int {
		if name == "" {
			return -1
		}
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i
			}
		}
		return -1
	}

	p := rowPlan{
		datasetID: datasetID,
		header:    header,
		assetID:   find(m.AssetIDCol),
		label:     find(m.LabelCol),
		lat:       find(m.LatCol),
		lon:       find(m.LonCol),
		year:      find(m.YearCol),
		scenario:  find(m.ScenarioCol),
		theme:     find(m.ThemeCol),
		indicator: find(m.IndicatorCol),
		value:     find(m.ValueCol),
		units:     find(m.UnitsCol),
	}

	claimed := m.Claimed()
	for i, h := range header {
		if !claimed[strings.ToLower(strings.TrimSpace(h))] {
			p.extras = append(p.extras, i)
		}
	}
	return p
}

// normalize converts one raw row into a fact plus its asset. ok is false
// when the row carries no asset identifier; such rows are dropped without
// error but still count as consumed.
//
// Numeric fields that fail to parse become NULL; a bad latitude never
// aborts the row.
func (p rowPlan) normalize(row []string) (storage.Fact, storage.Asset, bool) {
	get := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	assetID := get(p.assetID)
	if assetID == "" {
		return storage.Fact{}, storage.Asset{}, false
	}

	lat := parseFloat(get(p.lat))
	lon := parseFloat(get(p.lon))

	f := storage.Fact{
		DatasetID: p.datasetID,
		AssetID:   assetID,
		Latitude:  lat,
		Longitude: lon,
		Year:      parseYear(get(p.year)),
		Scenario:  nonEmpty(get(p.scenario)),
		Theme:     nonEmpty(get(p.theme)),
		Indicator: nonEmpty(get(p.indicator)),
		Value:     parseFloat(get(p.value)),
		Units:     nonEmpty(get(p.units)),
	}

	for _, i := range p.extras {
		if v := get(i); v != "" {
			if f.Extra == nil {
				f.Extra = make(map[string]string, len(p.extras))
			}
			f.Extra[strings.TrimSpace(p.header[i])] = v
		}
	}

	label := get(p.label)
	if label == "" {
		label = assetID
	}
	a := storage.Asset{
		DatasetID: p.datasetID,
		AssetID:   assetID,
		Label:     label,
		Latitude:  lat,
		Longitude: lon,
	}
	return f, a, true
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseYear accepts integer text and float-formatted years ("2030.0"),
// which spreadsheet exports produce routinely.
func parseYear(s string) *int64 {
	if s == "" {
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		v := int64(f)
		return &v
	}
	return nil
}

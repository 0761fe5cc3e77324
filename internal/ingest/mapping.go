package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mapping binds source file columns to the normalized fact model. Empty
// fields mean "not present in this file". Column names are matched
// case-insensitively against the file header.
//
// JSON field names are the stable wire/storage form (datasets.mapping_json).
type Mapping struct {
	AssetIDCol   string `json:"asset_id_col,omitempty"`
	LabelCol     string `json:"label_col,omitempty"`
	LatCol       string `json:"lat_col,omitempty"`
	LonCol       string `json:"lon_col,omitempty"`
	YearCol      string `json:"year_col,omitempty"`
	ScenarioCol  string `json:"scenario_col,omitempty"`
	ThemeCol     string `json:"theme_col,omitempty"`
	IndicatorCol string `json:"indicator_col,omitempty"`
	ValueCol     string `json:"value_col,omitempty"`
	UnitsCol     string `json:"units_col,omitempty"`
}

// WithDefaults returns a copy with the historical fallbacks applied
// against the given header: a missing value column falls back to "Score"
// or "value" when the file has one, and a missing label column falls back
// to the asset identifier column.
func (m Mapping) WithDefaults(header []string) Mapping {
	has := func(name string) bool {
		for _, h := range header {
			if strings.EqualFold(h, name) {
				return true
			}
		}
		return false
	}

	if m.ValueCol == "" {
		switch {
		case has("Score"):
			m.ValueCol = "Score"
		case has("value"):
			m.ValueCol = "value"
		}
	}
	if m.LabelCol == "" {
		m.LabelCol = m.AssetIDCol
	}
	return m
}

// Validate reports whether the mapping can drive an ingestion run.
// Only the asset identifier is mandatory; everything else degrades to
// null columns or extra_json.
func (m Mapping) Validate() error {
	if m.AssetIDCol == "" {
		return fmt.Errorf("mapping: asset identifier column is required")
	}
	return nil
}

// Claimed returns the set of header columns the mapping binds, lowercased.
// Unclaimed columns land in each fact's extra map.
func (m Mapping) Claimed() map[string]bool {
	out := make(map[string]bool, 10)
	for _, c := range []string{
		m.AssetIDCol, m.LabelCol, m.LatCol, m.LonCol, m.YearCol,
		m.ScenarioCol, m.ThemeCol, m.IndicatorCol, m.ValueCol, m.UnitsCol,
	} {
		if c != "" {
			out[strings.ToLower(c)] = true
		}
	}
	return out
}

// ParseMapping decodes a stored mapping_json payload. An empty payload
// decodes to the zero Mapping.
func ParseMapping(s string) (Mapping, error) {
	if s == "" {
		return Mapping{}, nil
	}
	var m Mapping
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Mapping{}, fmt.Errorf("parse mapping: %w", err)
	}
	return m, nil
}

// Encode serializes the mapping for datasets.mapping_json.
func (m Mapping) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

package storage

import "encoding/json"

// MarshalExtra serializes a fact's open attribute map for the extra_json
// column. A nil or empty map serializes to "" so backends can store NULL.
//
// Backends must not assume a particular key set; the whole point of the
// column is that the schema does not know a dataset's full column list.
func MarshalExtra(extra map[string]string) (string, error) {
	if len(extra) == 0 {
		return "", nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalExtra is the inverse of MarshalExtra. "" and SQL NULL both map
// to a nil map.
func UnmarshalExtra(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

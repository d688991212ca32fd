package storage

import "encoding/json"

// String slices live in TEXT columns as JSON arrays so SQL can reach into
// them with json_each.

// MarshalStrings encodes a string slice; nil encodes as the empty array.
func MarshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// UnmarshalStrings decodes a JSON array column; malformed or empty input
// decodes as nil.
func UnmarshalStrings(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

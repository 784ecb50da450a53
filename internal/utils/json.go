package utils

import "encoding/json"

// Snapshot renders v as JSON for audit before/after columns. Marshal
// failures yield an empty string.
func Snapshot(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

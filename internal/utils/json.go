package utils

import "encoding/json"

// MarshalString renders a value as compact JSON, returning "{}" when the
// value cannot be marshaled. Used where an upstream wire format wants an
// embedded JSON string.
func MarshalString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

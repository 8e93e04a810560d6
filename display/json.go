package display

import (
	"encoding/json"
)

// MarshalJSON renders v as indented JSON.
func MarshalJSON(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

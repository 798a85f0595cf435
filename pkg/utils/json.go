package utils

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// MustMarshalJSON marshals v and panics on failure; only for values known to encode.
func MustMarshalJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("failed to marshal JSON: " + err.Error())
	}
	return data
}

// ToJSONB marshals v into a jsonb column value, returning nil for nil input
// or on encoding failure.
func ToJSONB(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

package sqlite

import "encoding/json"

// encodeJSON marshals v for the SQLite jsonb() function. A nil slice/map
// marshals to the JSON literal "null"; decodeStringSlice and
// decodeStringMap treat that (and an empty blob) as absence, so callers
// never have to special-case it on read.
func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeStringSlice unmarshals a JSON array blob into a string slice.
func decodeStringSlice(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeStringMap unmarshals a JSON object blob into a string map.
func decodeStringMap(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
)

var ErrNotObject = errors.New("payload is not a JSON object or array of objects")

// DecodePayloads accepts one JSON object or an array of objects.
func DecodePayloads(data []byte) ([]map[string]any, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, ErrNotObject
	}
	switch trim[0] {
	case '[':
		var list []map[string]any
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, err
		}
		return list, nil
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(trim, &obj); err != nil {
			return nil, err
		}
		return []map[string]any{obj}, nil
	}
	return nil, ErrNotObject
}

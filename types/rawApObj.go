package types

import (
	"encoding/json"
	"strings"
)

// RawApObj wraps a decoded ActivityStreams document and gives dotted-path
// access to its fields without committing to a fixed struct shape.
type RawApObj struct {
	data map[string]any
}

func LoadAsRawApObj(raw []byte) (*RawApObj, error) {
	var data map[string]any
	err := json.Unmarshal(raw, &data)
	return &RawApObj{data}, err
}

func RawApObjFromMap(data map[string]any) *RawApObj {
	return &RawApObj{data}
}

func (r *RawApObj) GetData() map[string]any {
	return r.data
}

func (r *RawApObj) get(key string) (any, bool) {
	keys := strings.Split(key, ".")
	var value any = r.data
	for _, k := range keys {
		if value == nil {
			return nil, false
		}
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func (r *RawApObj) GetRaw(key string) (*RawApObj, bool) {
	value, ok := r.get(key)
	if !ok {
		return nil, false
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return &RawApObj{m}, true
}

// GetString returns the value at key as a string. A single-element array of
// strings counts; remote servers emit both shapes for to/cc/actor.
func (r *RawApObj) GetString(key string) (string, bool) {
	value, ok := r.get(key)
	if !ok {
		return "", false
	}

	if arr, ok := value.([]any); ok && len(arr) > 0 {
		str, ok := arr[0].(string)
		return str, ok
	}

	str, ok := value.(string)
	return str, ok
}

// GetStringSlice returns the value at key flattened to a string slice,
// accepting both a bare string and an array.
func (r *RawApObj) GetStringSlice(key string) ([]string, bool) {
	value, ok := r.get(key)
	if !ok {
		return nil, false
	}

	switch v := value.(type) {
	case string:
		return []string{v}, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out, true
	}
	return nil, false
}

func (r *RawApObj) MustGetString(key string) string {
	str, ok := r.GetString(key)
	if !ok {
		return ""
	}
	return str
}

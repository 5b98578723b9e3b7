package catalog

import (
	"encoding/json"
	"errors"
	"maps"
)

var errNullBody = errors.New("catalog: message body is not a JSON object")

// Message is one decoded command channel body. Values follow encoding/json
// decoding rules (float64 numbers, []any arrays, map[string]any objects)
// except where a caller built the message directly.
type Message map[string]any

func (m Message) Type() string { return m.Str(FieldMessageType) }

func (m Message) ID() string { return m.Str(FieldMessageID) }

func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Str returns the string value of key or "" when absent or not a string.
func (m Message) Str(key string) string {
	s, _ := m[key].(string)
	return s
}

// Number returns key as float64 for any JSON or Go numeric representation.
func (m Message) Number(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (m Message) Bool(key string) (bool, bool) {
	b, ok := m[key].(bool)
	return b, ok
}

// Strings returns key as a string slice; non-string elements are skipped.
func (m Message) Strings(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (m Message) Object(key string) map[string]any {
	obj, _ := m[key].(map[string]any)
	return obj
}

func (m Message) List(key string) []any {
	list, _ := m[key].([]any)
	return list
}

// Clone returns a shallow copy; nested values are shared.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// Decode parses one JSON object body.
func Decode(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errNullBody
	}
	return msg, nil
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(map[string]any(m))
}

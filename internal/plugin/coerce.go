package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// String coerces a decoded JSON value into its string form. Numbers keep
// their literal text, so numeric platform ids survive unchanged.
func String(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Bool coerces a decoded JSON value into a bool. Strings such as "true"
// and "1" count, as do non-zero numbers.
func Bool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return err == nil && b
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	case float64:
		return val != 0
	default:
		return false
	}
}

// Payloads re-encodes a decoded JSON array element by element. A single
// non-array value becomes a one-element slice; nil stays nil.
func Payloads(v any) []json.RawMessage {
	if v == nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

var errNotObject = errors.New("JSON body is not an object")

// DecodeEvent decodes a JSON object keeping numbers as json.Number.
func DecodeEvent(body []byte) (map[string]any, error) {
	if !json.Valid(body) {
		return nil, errors.New("invalid JSON")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errNotObject
	}
	return data, nil
}

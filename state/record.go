package state

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sandpolis/agent/errors"
)

// typedValue keeps attribute types intact through JSON
type typedValue struct {
	Type  string          `json:"t"`
	Value json.RawMessage `json:"v"`
}

type record struct {
	Path       string                `json:"path"`
	Attributes map[string]typedValue `json:"attributes"`
}

func encodeRecord(path string, attrs map[string]any) ([]byte, error) {
	rec := record{Path: path, Attributes: make(map[string]typedValue, len(attrs))}
	for name, v := range attrs {
		var (
			typ string
			raw any
		)
		switch val := v.(type) {
		case string:
			typ, raw = "string", val
		case bool:
			typ, raw = "bool", val
		case int64:
			typ, raw = "int64", strconv.FormatInt(val, 10)
		case float64:
			typ, raw = "float64", val
		case []byte:
			typ, raw = "bytes", val
		case time.Time:
			typ, raw = "time", val.Format(time.RFC3339Nano)
		default:
			return nil, fmt.Errorf("%w: %s: %T", errors.ErrInvalidValue, name, v)
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		rec.Attributes[name] = typedValue{Type: typ, Value: data}
	}
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (string, map[string]any, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", nil, err
	}
	attrs := make(map[string]any, len(rec.Attributes))
	for name, tv := range rec.Attributes {
		v, err := decodeValue(tv)
		if err != nil {
			return "", nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		attrs[name] = v
	}
	return rec.Path, attrs, nil
}

func decodeValue(tv typedValue) (any, error) {
	switch tv.Type {
	case "string":
		var s string
		err := json.Unmarshal(tv.Value, &s)
		return s, err
	case "bool":
		var b bool
		err := json.Unmarshal(tv.Value, &b)
		return b, err
	case "int64":
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return nil, err
		}
		return strconv.ParseInt(s, 10, 64)
	case "float64":
		var f float64
		err := json.Unmarshal(tv.Value, &f)
		return f, err
	case "bytes":
		var b []byte
		err := json.Unmarshal(tv.Value, &b)
		return b, err
	case "time":
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	default:
		return nil, fmt.Errorf("%w: type %q", errors.ErrInvalidValue, tv.Type)
	}
}

package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"apipulse/internal/model"
	"apipulse/internal/normalize"
)

// JSONParser accepts a single object, an array of objects, or a stream of
// objects such as newline delimited JSON.
type JSONParser struct {
	norm *normalize.Normalizer
}

func (p *JSONParser) Parse(data []byte) ([]model.LogRecord, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, nil
	}
	var objs []map[string]any
	switch trim[0] {
	case '[':
		if err := decode(trim, &objs); err != nil {
			return nil, fmt.Errorf("parse json array: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(trim))
		dec.UseNumber()
		for {
			var obj map[string]any
			err := dec.Decode(&obj)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("parse json: %w", err)
			}
			objs = append(objs, obj)
		}
	}
	all := make([]normalize.Fields, 0, len(objs))
	for _, obj := range objs {
		all = append(all, FieldsFromMap(obj))
	}
	return normalizeAll(p.norm, all)
}

// FieldsFromMap lower-cases keys and renders values as text. Numbers keep
// their literal form.
func FieldsFromMap(obj map[string]any) normalize.Fields {
	f := make(normalize.Fields, len(obj))
	for key, val := range obj {
		f[strings.ToLower(key)] = valueString(val)
	}
	return f
}

func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case map[string]any, []any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
